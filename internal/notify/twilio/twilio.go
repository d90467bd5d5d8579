// Package twilio delivers SMS and voice notifications through Twilio.
package twilio

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	twiliogo "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

// Config holds Twilio credentials and the sender number.
type Config struct {
	AccountSID string
	AuthToken  string
	From       string
}

// messageAPI is the subset of the Twilio REST API used here.
type messageAPI interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// NewClient returns the Twilio REST API for cfg.
func NewClient(cfg Config) *api.ApiService {
	c := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return c.Api
}

// SMS is the "sms" channel.
type SMS struct {
	api  messageAPI
	from string
}

// NewSMS creates the SMS channel.
func NewSMS(a messageAPI, from string) *SMS {
	return &SMS{api: a, from: from}
}

// Name implements notify.Channel.
func (s *SMS) Name() string { return notify.ChannelSMS }

// Send texts the payload to the recipient's phone.
func (s *SMS) Send(ctx context.Context, to notify.Recipient, p notify.Payload) (notify.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return notify.Delivery{}, err
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to.Phone)
	params.SetFrom(s.from)
	params.SetBody(smsBody(p))

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return notify.Delivery{}, classify("sms", err)
	}
	d := notify.Delivery{}
	if resp.Sid != nil {
		d.ProviderID = *resp.Sid
	}
	if resp.Status != nil && string(*resp.Status) == "delivered" {
		d.Delivered = true
	}
	return d, nil
}

func smsBody(p notify.Payload) string {
	body := p.Title
	if p.Body != "" {
		body += "\n" + p.Body
	}
	// keep to a few concatenated segments
	const limit = 640
	if len(body) > limit {
		body = body[:limit-3] + "..."
	}
	return body
}

// Voice is the "voice" channel: an outbound call that reads the payload.
type Voice struct {
	api  messageAPI
	from string
}

// NewVoice creates the voice channel.
func NewVoice(a messageAPI, from string) *Voice {
	return &Voice{api: a, from: from}
}

// Name implements notify.Channel.
func (v *Voice) Name() string { return notify.ChannelVoice }

// Send places a call to the recipient's phone.
func (v *Voice) Send(ctx context.Context, to notify.Recipient, p notify.Payload) (notify.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return notify.Delivery{}, err
	}
	twiml, err := sayTwiML(p)
	if err != nil {
		return notify.Delivery{}, notify.Permanent(err)
	}

	params := &api.CreateCallParams{}
	params.SetTo(to.Phone)
	params.SetFrom(v.from)
	params.SetTwiml(twiml)

	resp, err := v.api.CreateCall(params)
	if err != nil {
		return notify.Delivery{}, classify("voice", err)
	}
	d := notify.Delivery{}
	if resp.Sid != nil {
		d.ProviderID = *resp.Sid
	}
	return d, nil
}

type sayResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     []string `xml:"Say"`
}

// sayTwiML reads the message twice so it survives a late pickup.
func sayTwiML(p notify.Payload) (string, error) {
	text := p.Title + ". " + p.Body
	out, err := xml.Marshal(sayResponse{Say: []string{text, text}})
	if err != nil {
		return "", fmt.Errorf("twilio: build twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// classify maps Twilio API errors: client errors other than rate limiting
// cannot succeed on retry.
func classify(kind string, err error) error {
	err = fmt.Errorf("twilio %s: %w", kind, err)
	var rerr *client.TwilioRestError
	if errors.As(err, &rerr) {
		if rerr.Status >= 400 && rerr.Status < 500 && rerr.Status != http.StatusTooManyRequests {
			return notify.Permanent(err)
		}
	}
	return notify.Transient(err)
}
