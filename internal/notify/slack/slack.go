// Package slack posts incident and SOS notifications to Slack via an
// incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Channel delivers payloads to a Slack webhook. The recipient only selects
// whether the message is sent; every message goes to the same webhook.
type Channel struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack channel for webhookURL.
func New(webhookURL string, logger log.Logger) *Channel {
	if logger == nil {
		logger = log.Nop()
	}
	return &Channel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Name implements notify.Channel.
func (c *Channel) Name() string { return notify.ChannelSlack }

// Send posts the payload to the webhook.
func (c *Channel) Send(ctx context.Context, to notify.Recipient, p notify.Payload) (notify.Delivery, error) {
	if c.webhookURL == "" {
		return notify.Delivery{}, notify.Permanent(errors.New("slack: webhook not configured"))
	}

	body, err := json.Marshal(buildMessage(to, p))
	if err != nil {
		return notify.Delivery{}, notify.Permanent(fmt.Errorf("slack: marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return notify.Delivery{}, notify.Permanent(fmt.Errorf("slack: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return notify.Delivery{}, notify.Transient(fmt.Errorf("slack: post webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return notify.Delivery{}, notify.Permanent(err)
		}
		return notify.Delivery{}, notify.Transient(err)
	}
	return notify.Delivery{Delivered: true}, nil
}

func buildMessage(to notify.Recipient, p notify.Payload) map[string]any {
	return map[string]any{
		"text": p.Title,
		"blocks": []map[string]any{
			headerBlock(p),
			{"type": "divider"},
			fieldsBlock(to, p),
			bodyBlock(p),
			contextBlock(p),
		},
	}
}

func headerBlock(p notify.Payload) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s", severityEmoji(p.Severity), truncate(p.Title, 140)),
		},
	}
}

func fieldsBlock(to notify.Recipient, p notify.Payload) map[string]any {
	attention := to.Name
	if attention == "" {
		attention = to.ID
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", p.Severity)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Record:* %s %s", p.RecordKind, p.RecordID)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Attention:* %s", attention)},
		},
	}
}

func bodyBlock(p notify.Payload) map[string]any {
	text := truncate(p.Body, maxBodyLen)
	if text == "" {
		text = "_No details._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func contextBlock(p notify.Payload) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("lifeline • %s %s", p.RecordKind, p.RecordID)},
		},
	}
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "\U0001f534" // red circle
	case "high":
		return "\U0001f7e0" // orange circle
	case "medium":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
