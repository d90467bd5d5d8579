// Package notify fans notifications out over delivery channels with
// per-recipient deduplication, bounded retries and an exactly-once operator cue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChannelDeliveryFailed marks a transient delivery failure; it is retried.
	ErrChannelDeliveryFailed = errors.New("channel delivery failed")
	// ErrChannelPermanentFailure marks a failure that retrying cannot fix.
	ErrChannelPermanentFailure = errors.New("channel permanent failure")
)

// Permanent wraps err so the fan-out stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannelPermanentFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrChannelPermanentFailure, err)
}

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannelDeliveryFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrChannelDeliveryFailed, err)
}

// Channel names.
const (
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
	ChannelPush  = "push"
	ChannelAPNs  = "apns"
	ChannelSNS   = "sns"
	ChannelSlack = "slack"
)

// KnownChannels lists every channel name a policy may route to.
var KnownChannels = []string{ChannelSMS, ChannelVoice, ChannelPush, ChannelAPNs, ChannelSNS, ChannelSlack}

// Recipient is a person, role member or external service reachable on one or
// more channels.
type Recipient struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name,omitempty"`
	Phone       string `yaml:"phone" json:"phone,omitempty"`
	DeviceToken string `yaml:"device_token" json:"-"`
	APNsToken   string `yaml:"apns_token" json:"-"`
	Slack       bool   `yaml:"slack" json:"slack,omitempty"`
}

// Address returns the channel-specific address, or "" if the recipient is
// not reachable on that channel.
func (r Recipient) Address(channel string) string {
	switch channel {
	case ChannelSMS, ChannelVoice, ChannelSNS:
		return r.Phone
	case ChannelPush:
		return r.DeviceToken
	case ChannelAPNs:
		return r.APNsToken
	case ChannelSlack:
		if r.Slack {
			return "webhook"
		}
	}
	return ""
}

// Payload is the channel-neutral message content.
type Payload struct {
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Severity   string            `json:"severity"`
	RecordKind string            `json:"recordKind"`
	RecordID   string            `json:"recordId"`
	Data       map[string]string `json:"data,omitempty"`
}

// Delivery is what a provider reports for an accepted message.
type Delivery struct {
	ProviderID string
	// Delivered is true when the provider confirmed delivery synchronously;
	// otherwise the message is only known to be sent.
	Delivered bool
}

// Channel delivers one payload to one recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, to Recipient, p Payload) (Delivery, error)
}

// Status of one notification attempt sequence.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

// Record is the outcome of notifying one recipient on one channel.
type Record struct {
	RecordID  string     `json:"recordId"`
	Channel   string     `json:"channel"`
	Recipient string     `json:"recipient"`
	Status    Status     `json:"status"`
	Attempts  int        `json:"attempts"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	Error     string     `json:"error,omitempty"`
	Permanent bool       `json:"permanent,omitempty"`
}

// Ref identifies the record a notification is about. Event distinguishes
// separate notifications about the same record (for example successive SLA
// crossings) so they are not deduplicated against each other.
type Ref struct {
	Kind  string
	ID    string
	Event string
}

func (r Ref) key(channel, recipientID string) string {
	return r.Kind + "/" + r.ID + "/" + r.Event + "/" + channel + "/" + recipientID
}

// Report aggregates the records produced by one fan-out.
type Report struct {
	Ref     Ref
	Records []Record
}

// Failed returns the records that could not be delivered.
func (r Report) Failed() []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.Status == StatusFailed {
			out = append(out, rec)
		}
	}
	return out
}

// Succeeded counts records that were sent or delivered.
func (r Report) Succeeded() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == StatusSent || rec.Status == StatusDelivered {
			n++
		}
	}
	return n
}

// AllFailed reports whether at least one delivery was attempted and none succeeded.
func (r Report) AllFailed() bool {
	return len(r.Failed()) > 0 && r.Succeeded() == 0
}

// Directory resolves who should be notified.
type Directory interface {
	RoleMembers(ctx context.Context, role string) ([]Recipient, error)
	EmergencyContacts(ctx context.Context, reporterID string) ([]Recipient, error)
	ExternalServices(ctx context.Context, emergencyType string) ([]Recipient, error)
}

// StaticDirectory is a Directory backed by configuration.
type StaticDirectory struct {
	Roles    map[string][]Recipient `yaml:"roles"`
	Contacts map[string][]Recipient `yaml:"contacts"`
	External map[string][]Recipient `yaml:"external"`
}

// RoleMembers returns the recipients configured for role.
func (d StaticDirectory) RoleMembers(_ context.Context, role string) ([]Recipient, error) {
	return d.Roles[role], nil
}

// EmergencyContacts returns the contacts registered for reporterID.
func (d StaticDirectory) EmergencyContacts(_ context.Context, reporterID string) ([]Recipient, error) {
	return d.Contacts[reporterID], nil
}

// ExternalServices returns services for emergencyType, falling back to "*".
func (d StaticDirectory) ExternalServices(_ context.Context, emergencyType string) ([]Recipient, error) {
	if rs, ok := d.External[emergencyType]; ok {
		return rs, nil
	}
	return d.External["*"], nil
}
