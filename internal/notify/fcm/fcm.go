// Package fcm delivers push notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

// sender is the subset of *messaging.Client used here.
type sender interface {
	Send(ctx context.Context, m *messaging.Message) (string, error)
}

// Channel is the "push" channel.
type Channel struct {
	client sender
}

// NewClient builds a messaging client from a service-account credentials file.
func NewClient(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("fcm: init app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: messaging client: %w", err)
	}
	return client, nil
}

// New creates the push channel over client.
func New(client sender) *Channel {
	return &Channel{client: client}
}

// Name implements notify.Channel.
func (c *Channel) Name() string { return notify.ChannelPush }

// Send pushes the payload to the recipient's device token.
func (c *Channel) Send(ctx context.Context, to notify.Recipient, p notify.Payload) (notify.Delivery, error) {
	id, err := c.client.Send(ctx, buildMessage(to.DeviceToken, p))
	if err != nil {
		return notify.Delivery{}, classify(err)
	}
	return notify.Delivery{ProviderID: id}, nil
}

func buildMessage(token string, p notify.Payload) *messaging.Message {
	data := make(map[string]string, len(p.Data)+3)
	for k, v := range p.Data {
		data[k] = v
	}
	data["record_kind"] = p.RecordKind
	data["record_id"] = p.RecordID
	data["severity"] = p.Severity

	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: p.Title,
			Body:  p.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
}

// classify treats a dead or malformed token as permanent.
func classify(err error) error {
	err = fmt.Errorf("fcm: send: %w", err)
	if messaging.IsUnregistered(err) || errorutils.IsInvalidArgument(err) ||
		errorutils.IsNotFound(err) || errorutils.IsPermissionDenied(err) || errorutils.IsUnauthenticated(err) {
		return notify.Permanent(err)
	}
	return notify.Transient(err)
}
