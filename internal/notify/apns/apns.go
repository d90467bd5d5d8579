// Package apns delivers push notifications to iOS devices through APNs.
package apns

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

// Config holds the token-auth credentials.
type Config struct {
	KeyFile    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

type pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Channel is the "apns" channel.
type Channel struct {
	client pusher
	topic  string
}

// NewClient builds a token-authenticated APNs client.
func NewClient(cfg Config) (*apns2.Client, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: load auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		return client.Production(), nil
	}
	return client.Development(), nil
}

// New creates the APNs channel.
func New(client pusher, topic string) *Channel {
	return &Channel{client: client, topic: topic}
}

// Name implements notify.Channel.
func (c *Channel) Name() string { return notify.ChannelAPNs }

// Send pushes the payload to the recipient's APNs token.
func (c *Channel) Send(ctx context.Context, to notify.Recipient, p notify.Payload) (notify.Delivery, error) {
	res, err := c.client.PushWithContext(ctx, c.notification(to.APNsToken, p))
	if err != nil {
		return notify.Delivery{}, notify.Transient(fmt.Errorf("apns: push: %w", err))
	}
	if res.Sent() {
		return notify.Delivery{ProviderID: res.ApnsID}, nil
	}
	err = fmt.Errorf("apns: rejected with %d %s", res.StatusCode, res.Reason)
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return notify.Delivery{}, notify.Permanent(err)
	}
	return notify.Delivery{}, notify.Transient(err)
}

func (c *Channel) notification(deviceToken string, p notify.Payload) *apns2.Notification {
	body := map[string]any{
		"aps": map[string]any{
			"alert": map[string]any{
				"title": p.Title,
				"body":  p.Body,
			},
			"sound":              "default",
			"interruption-level": "time-sensitive",
		},
		"record_kind": p.RecordKind,
		"record_id":   p.RecordID,
	}
	for k, v := range p.Data {
		body[k] = v
	}
	return &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.topic,
		Payload:     body,
		Priority:    apns2.PriorityHigh,
	}
}
