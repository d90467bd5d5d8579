package notify

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// CueEvent is pushed to operator consoles when a new SOS arrives.
type CueEvent struct {
	Type    string    `json:"type"`
	AlertID string    `json:"alertId"`
	Payload Payload   `json:"payload"`
	At      time.Time `json:"at"`
}

// CueSink receives operator cue events.
type CueSink interface {
	Publish(ev CueEvent)
}

const cueTTL = 24 * time.Hour

// Cue raises the operator audio/visual cue once per distinct alert id.
type Cue struct {
	seen    Deduper
	sink    CueSink
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewCue creates a Cue. seen may be shared across replicas (Redis) so only
// one of them announces a given alert.
func NewCue(seen Deduper, sink CueSink, logger log.Logger, metrics *Metrics) *Cue {
	if seen == nil {
		seen = NewMemoryDeduper(nil)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Cue{seen: seen, sink: sink, logger: logger, metrics: metrics, now: time.Now}
}

// Announce publishes the cue unless alertID was already announced and
// reports whether it did.
func (c *Cue) Announce(ctx context.Context, alertID string, p Payload) bool {
	fresh, err := c.seen.Acquire(ctx, "cue/"+alertID, cueTTL)
	if err != nil {
		c.logger.Warn(ctx, "cue seen-set unavailable, announcing", "alert_id", alertID, "error", err)
		fresh = true
	}
	if !fresh {
		c.metrics.cue("duplicate")
		return false
	}
	if c.sink != nil {
		c.sink.Publish(CueEvent{Type: "sos", AlertID: alertID, Payload: p, At: c.now()})
	}
	c.metrics.cue("announced")
	c.logger.Info(ctx, "operator cue raised", "alert_id", alertID)
	return true
}
