package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/lifeline/internal/keylock"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/notify")

// FanoutConfig controls retries, timeouts and deduplication.
type FanoutConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Cooldown       time.Duration
	Parallelism    int
	Now            func() time.Time
}

func (c *FanoutConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 16
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Fanout delivers one payload to many recipients over many channels.
type Fanout struct {
	channels map[string]Channel
	dedup    Deduper
	cfg      FanoutConfig
	logger   log.Logger
	metrics  *Metrics
	locks    *keylock.Map
	health   *healthTracker
}

// NewFanout creates a Fanout over the given channel providers. A nil dedup
// falls back to a MemoryDeduper; metrics may be nil.
func NewFanout(channels []Channel, dedup Deduper, cfg FanoutConfig, logger log.Logger, metrics *Metrics) *Fanout {
	cfg.defaults()
	if dedup == nil {
		dedup = NewMemoryDeduper(cfg.Now)
	}
	if logger == nil {
		logger = log.Nop()
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		if ch != nil {
			byName[ch.Name()] = ch
		}
	}
	return &Fanout{
		channels: byName,
		dedup:    dedup,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		locks:    keylock.New(),
		health:   newHealthTracker(),
	}
}

// Channels returns the names of the configured providers.
func (f *Fanout) Channels() []string {
	out := make([]string, 0, len(f.channels))
	for name := range f.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type pair struct {
	channel   Channel
	recipient Recipient
}

// Send notifies every recipient on every listed channel it has an address
// for. Channels without a configured provider are skipped. The report holds
// one record per attempted pair, in a stable order.
func (f *Fanout) Send(ctx context.Context, ref Ref, channels []string, recipients []Recipient, p Payload) Report {
	ctx, span := tracer.Start(ctx, "notify.fanout")
	defer span.End()
	span.SetAttributes(
		attribute.String("record.kind", ref.Kind),
		attribute.String("record.id", ref.ID),
	)

	var pairs []pair
	for _, name := range channels {
		ch, ok := f.channels[name]
		if !ok {
			f.logger.Warn(ctx, "no provider for channel", "channel", name, "record_id", ref.ID)
			continue
		}
		for _, r := range recipients {
			if r.Address(name) == "" {
				continue
			}
			pairs = append(pairs, pair{channel: ch, recipient: r})
		}
	}

	records := make([]Record, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Parallelism)
	for i, pr := range pairs {
		g.Go(func() error {
			records[i] = f.deliver(gctx, ref, pr.channel, pr.recipient, p)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Ref: ref, Records: records}
	if n := len(rep.Failed()); n > 0 {
		span.SetStatus(codes.Error, "undelivered notifications")
		span.SetAttributes(attribute.Int("notify.failed", n))
	}
	return rep
}

// deliver claims the (record, channel, recipient) tuple and sends with
// retries. Work on one tuple is serialized.
func (f *Fanout) deliver(ctx context.Context, ref Ref, ch Channel, r Recipient, p Payload) Record {
	name := ch.Name()
	rec := Record{RecordID: ref.ID, Channel: name, Recipient: r.ID, Status: StatusPending}
	L := f.logger.With("record_id", ref.ID, "channel", name, "recipient", r.ID)

	key := ref.key(name, r.ID)
	unlock := f.locks.Lock(key)
	defer unlock()

	start := f.cfg.Now()
	claimed, err := f.dedup.Acquire(ctx, key, f.cfg.Cooldown)
	if err != nil {
		// a broken dedup store must not silence an emergency
		L.Warn(ctx, "dedup claim failed, sending anyway", "error", err)
		claimed = true
	}
	if !claimed {
		rec.Status = StatusSuppressed
		f.record(rec, 0)
		return rec
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff

	op := func() (Delivery, error) {
		rec.Attempts++
		f.metrics.attempt(name)
		actx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		defer cancel()
		d, err := ch.Send(actx, r, p)
		if err != nil {
			if errors.Is(err, ErrChannelPermanentFailure) {
				return Delivery{}, backoff.Permanent(err)
			}
			L.Warn(ctx, "delivery attempt failed", "attempt", rec.Attempts, "error", err)
			return Delivery{}, err
		}
		return d, nil
	}

	d, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.cfg.MaxAttempts)),
	)
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		rec.Permanent = errors.Is(err, ErrChannelPermanentFailure)
		if rerr := f.dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
			L.Warn(ctx, "dedup release failed", "error", rerr)
		}
		L.Error(ctx, err, "notification undeliverable", "attempts", rec.Attempts, "permanent", rec.Permanent)
		f.record(rec, f.cfg.Now().Sub(start))
		return rec
	}

	sent := f.cfg.Now()
	rec.SentAt = &sent
	rec.Status = StatusSent
	if d.Delivered {
		rec.Status = StatusDelivered
	}
	L.Info(ctx, "notification sent", "attempts", rec.Attempts, "provider_id", d.ProviderID)
	f.record(rec, sent.Sub(start))
	return rec
}

func (f *Fanout) record(rec Record, took time.Duration) {
	f.metrics.delivered(rec.Channel, rec.Status, took)
	f.health.observe(rec)
}

// Health returns the delivery health snapshot.
func (f *Fanout) Health() Health {
	return f.health.snapshot(f.Channels())
}

// ChannelHealth counts outcomes for one channel.
type ChannelHealth struct {
	Delivered  int64  `json:"delivered"`
	Sent       int64  `json:"sent"`
	Failed     int64  `json:"failed"`
	Suppressed int64  `json:"suppressed"`
	LastError  string `json:"lastError,omitempty"`
	Healthy    bool   `json:"healthy"`
}

// Health is the fan-out delivery health snapshot.
type Health struct {
	Healthy  bool                     `json:"healthy"`
	Channels map[string]ChannelHealth `json:"channels"`
}

type healthTracker struct {
	mu       sync.Mutex
	channels map[string]*ChannelHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{channels: make(map[string]*ChannelHealth)}
}

func (h *healthTracker) observe(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[rec.Channel]
	if !ok {
		c = &ChannelHealth{}
		h.channels[rec.Channel] = c
	}
	switch rec.Status {
	case StatusDelivered:
		c.Delivered++
	case StatusSent:
		c.Sent++
	case StatusFailed:
		c.Failed++
		c.LastError = rec.Error
	case StatusSuppressed:
		c.Suppressed++
	}
}

// snapshot marks a channel degraded once failures outnumber successes.
func (h *healthTracker) snapshot(configured []string) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := Health{Healthy: true, Channels: make(map[string]ChannelHealth, len(configured))}
	for _, name := range configured {
		out.Channels[name] = ChannelHealth{Healthy: true}
	}
	for name, c := range h.channels {
		cp := *c
		cp.Healthy = cp.Failed <= cp.Delivered+cp.Sent
		if !cp.Healthy {
			out.Healthy = false
		}
		out.Channels[name] = cp
	}
	return out
}
