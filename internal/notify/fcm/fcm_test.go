package fcm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"firebase.google.com/go/v4/messaging"

	"github.com/linnemanlabs/lifeline/internal/notify"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*messaging.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return "projects/lifeline/messages/1", nil
}

func TestSend_BuildsHighPriorityMessage(t *testing.T) {
	t.Parallel()

	f := &fakeSender{}
	d, err := New(f).Send(context.Background(),
		notify.Recipient{ID: "ops-1", DeviceToken: "tok-1"},
		notify.Payload{Title: "SOS", Body: "help", Severity: "critical", RecordKind: "alert", RecordID: "01J", Data: map[string]string{"sos_code": "SOS-1"}},
	)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.ProviderID == "" {
		t.Error("ProviderID empty")
	}

	m := f.sent[0]
	if m.Token != "tok-1" {
		t.Errorf("Token = %q, want tok-1", m.Token)
	}
	if m.Android == nil || m.Android.Priority != "high" {
		t.Errorf("Android priority = %+v, want high", m.Android)
	}
	if m.Data["record_id"] != "01J" || m.Data["sos_code"] != "SOS-1" {
		t.Errorf("Data = %v", m.Data)
	}
	if m.Notification.Title != "SOS" {
		t.Errorf("Title = %q", m.Notification.Title)
	}
}

func TestSend_UnknownErrorIsTransient(t *testing.T) {
	t.Parallel()

	f := &fakeSender{err: errors.New("connection reset")}
	_, err := New(f).Send(context.Background(), notify.Recipient{DeviceToken: "t"}, notify.Payload{})
	if !errors.Is(err, notify.ErrChannelDeliveryFailed) {
		t.Errorf("err = %v, want transient", err)
	}
}
