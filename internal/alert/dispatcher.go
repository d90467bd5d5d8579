// Package alert runs the SOS emergency pipeline: trigger, automatic
// processing and dispatch, operator acknowledgement through resolution, and
// live location ingestion.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/lifeline/internal/keylock"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/sla"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// SystemActor is recorded for pipeline steps nobody performed by hand.
const SystemActor = "system"

// DefaultMaxConflictRetries bounds transparent compare-and-swap retries.
const DefaultMaxConflictRetries = 3

// DefaultMaxClockSkew is how far ahead of the server clock a device may
// stamp a location point.
const DefaultMaxClockSkew = 30 * time.Second

var errUnchanged = errors.New("unchanged")

// Notifier fans a payload out to recipients over the given channels.
type Notifier interface {
	Send(ctx context.Context, ref notify.Ref, channels []string, recipients []notify.Recipient, p notify.Payload) notify.Report
}

// Announcer raises the operator cue for a new alert, once per alert id.
type Announcer interface {
	Announce(ctx context.Context, alertID string, p notify.Payload) bool
}

// Geocoder resolves a street address for a coordinate.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// Config carries the dispatch policy and optional collaborators.
type Config struct {
	SLA                        sla.Policy
	OperatorRole               string
	ContactChannels            []string
	RoleChannels               []string
	ExternalChannels           []string
	ExternalServiceMinSeverity int

	Cue      Announcer
	Geocoder Geocoder

	MaxConflictRetries int
	// MaxClockSkew bounds how far in the future a ping may be recorded.
	MaxClockSkew time.Duration
	Now          func() time.Time
}

// Dispatcher is the business boundary for emergency alerts.
type Dispatcher struct {
	store     Store
	notifier  Notifier
	directory notify.Directory
	cfg       Config
	logger    log.Logger
	metrics   *Metrics
	now       func() time.Time

	pings *keylock.Map
	wg    sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(s Store, n Notifier, dir notify.Directory, cfg Config, logger log.Logger, metrics *Metrics) *Dispatcher {
	if s == nil {
		panic(xerrors.New("alert store is required"))
	}
	if n == nil {
		panic(xerrors.New("alert notifier is required"))
	}
	if dir == nil {
		dir = notify.StaticDirectory{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SLA == nil {
		cfg.SLA = sla.DefaultPolicy()
	}
	if cfg.OperatorRole == "" {
		cfg.OperatorRole = "safety"
	}
	if cfg.ExternalServiceMinSeverity == 0 {
		cfg.ExternalServiceMinSeverity = 10
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:     s,
		notifier:  n,
		directory: dir,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       now,
		pings:     keylock.New(),
	}
}

// Trigger records a new SOS alert, raises the operator cue and starts the
// processing pipeline in the background. The returned alert is in the
// triggered state; Wait blocks until the pipeline settles.
func (d *Dispatcher) Trigger(ctx context.Context, in NewAlert) (*Alert, error) {
	if err := validateNew(in); err != nil {
		return nil, err
	}

	now := d.now()
	deadlines, err := d.cfg.SLA.Assign(SLASeverity(in.Severity), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	id := ulid.Make().String()
	a := &Alert{
		ID:            id,
		SOSCode:       sosCode(id, now),
		TriggeredAt:   now,
		UpdatedAt:     now,
		Location:      in.Location,
		Reporter:      in.Reporter,
		EmergencyType: in.EmergencyType,
		Severity:      in.Severity,
		Description:   in.Description,
		Status:        StatusTriggered,
		SLA:           deadlines,
		LocationTrail: []Point{{
			Lat:        in.Location.Lat,
			Lon:        in.Location.Lon,
			Accuracy:   in.Location.Accuracy,
			RecordedAt: now,
		}},
		Version: 1,
	}

	if err := d.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	d.metrics.triggered(a.EmergencyType)

	d.logger.Info(ctx, "sos alert triggered",
		"alert_id", a.ID,
		"sos_code", a.SOSCode,
		"severity", a.Severity,
		"emergency_type", a.EmergencyType,
		"reporter_id", a.Reporter.ID,
	)

	if d.cfg.Cue != nil {
		d.cfg.Cue.Announce(ctx, a.ID, payloadFor(a, "New SOS"))
	}

	// pass only the ID so the pipeline works from fresh reads.
	d.wg.Add(1)
	go d.runPipeline(context.WithoutCancel(ctx), a.ID)

	return a.Clone(), nil
}

func validateNew(in NewAlert) error {
	var problems []string
	if strings.TrimSpace(in.Reporter.ID) == "" {
		problems = append(problems, "reporter id is required")
	}
	if strings.TrimSpace(in.EmergencyType) == "" {
		problems = append(problems, "emergency type is required")
	}
	if in.Severity < 1 || in.Severity > 10 {
		problems = append(problems, fmt.Sprintf("severity %d out of range 1..10", in.Severity))
	}
	if in.Location.Lat < -90 || in.Location.Lat > 90 || in.Location.Lon < -180 || in.Location.Lon > 180 {
		problems = append(problems, "location out of range")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func sosCode(id string, at time.Time) string {
	return "SOS-" + at.UTC().Format("060102") + "-" + id[len(id)-6:]
}

// Wait blocks until every pipeline started by Trigger has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runPipeline(ctx context.Context, id string) {
	defer d.wg.Done()
	L := d.logger.With("alert_id", id)

	a, err := d.transition(ctx, id, StatusProcessing, SystemActor, "")
	if err != nil {
		d.logPipelineStop(ctx, L, err, "processing")
		return
	}

	if d.cfg.Geocoder != nil && a.Location.Address == "" {
		if updated, err := d.resolveAddress(ctx, a); err != nil {
			L.Warn(ctx, "reverse geocode failed", "error", err)
		} else {
			a = updated
		}
	}

	report := d.fanOut(ctx, a)
	if report.AllFailed() {
		L.Warn(ctx, "sos fan-out reached nobody", "failed", len(report.Failed()))
	}

	a, err = d.mutate(ctx, id, func(a *Alert, now time.Time) error {
		if err := applyStatus(a, StatusDispatched, SystemActor, "", now); err != nil {
			return err
		}
		ms := now.Sub(a.TriggeredAt).Milliseconds()
		a.ProcessingTimeMs = &ms
		a.Notifications = append(a.Notifications, report.Records...)
		return nil
	})
	if err != nil {
		d.logPipelineStop(ctx, L, err, "dispatch")
		return
	}
	d.metrics.transitioned(StatusProcessing, StatusDispatched)
	d.metrics.processed(time.Duration(*a.ProcessingTimeMs) * time.Millisecond)

	L.Info(ctx, "sos alert dispatched",
		"processing_ms", *a.ProcessingTimeMs,
		"delivered", report.Succeeded(),
		"failed", len(report.Failed()),
	)
}

// logPipelineStop distinguishes an operator overtaking the pipeline (for
// example a false alarm) from a real failure.
func (d *Dispatcher) logPipelineStop(ctx context.Context, L log.Logger, err error, step string) {
	if errors.Is(err, ErrAlertTerminal) || errors.Is(err, ErrInvalidTransition) {
		L.Info(ctx, "sos pipeline stopped", "step", step, "reason", err.Error())
		return
	}
	L.Error(ctx, err, "sos pipeline failed", "step", step)
}

func (d *Dispatcher) resolveAddress(ctx context.Context, a *Alert) (*Alert, error) {
	addr, err := d.cfg.Geocoder.ReverseGeocode(ctx, a.Location.Lat, a.Location.Lon)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return a, nil
	}
	return d.mutate(ctx, a.ID, func(a *Alert, _ time.Time) error {
		if a.Location.Address != "" {
			return errUnchanged
		}
		a.Location.Address = addr
		return nil
	})
}

// fanOut notifies emergency contacts, the operator role and, for the most
// severe alerts, external services. Audiences are notified concurrently.
func (d *Dispatcher) fanOut(ctx context.Context, a *Alert) notify.Report {
	ref := notify.Ref{Kind: "alert", ID: a.ID}
	p := payloadFor(a, "SOS")

	type audience struct {
		name     string
		channels []string
		resolve  func(context.Context) ([]notify.Recipient, error)
	}
	audiences := []audience{
		{"contacts", d.cfg.ContactChannels, func(ctx context.Context) ([]notify.Recipient, error) {
			return d.directory.EmergencyContacts(ctx, a.Reporter.ID)
		}},
		{"operators", d.cfg.RoleChannels, func(ctx context.Context) ([]notify.Recipient, error) {
			return d.directory.RoleMembers(ctx, d.cfg.OperatorRole)
		}},
	}
	if a.Severity >= d.cfg.ExternalServiceMinSeverity {
		audiences = append(audiences, audience{"external", d.cfg.ExternalChannels, func(ctx context.Context) ([]notify.Recipient, error) {
			return d.directory.ExternalServices(ctx, a.EmergencyType)
		}})
	}

	reports := make([]notify.Report, len(audiences))
	var g errgroup.Group
	for i, au := range audiences {
		g.Go(func() error {
			recipients, err := au.resolve(ctx)
			if err != nil {
				d.logger.Error(ctx, err, "resolve recipients failed", "alert_id", a.ID, "audience", au.name)
				return nil
			}
			if len(recipients) == 0 || len(au.channels) == 0 {
				return nil
			}
			reports[i] = d.notifier.Send(ctx, ref, au.channels, recipients, p)
			return nil
		})
	}
	_ = g.Wait()

	merged := notify.Report{Ref: ref}
	for _, r := range reports {
		merged.Records = append(merged.Records, r.Records...)
	}
	return merged
}

func payloadFor(a *Alert, prefix string) notify.Payload {
	where := a.Location.Address
	if where == "" {
		where = fmt.Sprintf("%.5f,%.5f", a.Location.Lat, a.Location.Lon)
	}
	who := a.Reporter.Name
	if who == "" {
		who = a.Reporter.ID
	}
	body := fmt.Sprintf("%s (%s) needs help at %s. Severity %d/10.", who, a.Reporter.Type, where, a.Severity)
	if a.Description != "" {
		body += " " + a.Description
	}
	return notify.Payload{
		Title:      fmt.Sprintf("%s %s: %s", prefix, a.SOSCode, a.EmergencyType),
		Body:       body,
		Severity:   string(SLASeverity(a.Severity)),
		RecordKind: "alert",
		RecordID:   a.ID,
		Data: map[string]string{
			"alert_id": a.ID,
			"sos_code": a.SOSCode,
			"lat":      fmt.Sprintf("%.6f", a.Location.Lat),
			"lon":      fmt.Sprintf("%.6f", a.Location.Lon),
		},
	}
}

// IngestLocation appends a live location point. Pings for the same alert are
// serialized; pings for a terminal alert fail with ErrAlertTerminal.
func (d *Dispatcher) IngestLocation(ctx context.Context, id string, p Point) error {
	unlock := d.pings.Lock(id)
	defer unlock()

	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		d.metrics.ping("invalid")
		return fmt.Errorf("%w: location out of range", ErrInvalidInput)
	}

	a, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		d.metrics.ping("terminal")
		return fmt.Errorf("%w: %s is %s", ErrAlertTerminal, id, a.Status)
	}
	now := d.now()
	if p.RecordedAt.IsZero() {
		p.RecordedAt = now
	}
	// a point ahead of the clock would become a head no later ping can pass
	if limit := now.Add(d.cfg.MaxClockSkew); p.RecordedAt.After(limit) {
		d.metrics.ping("future")
		return fmt.Errorf("%w: recordedAt %s is ahead of server time %s", ErrInvalidInput,
			p.RecordedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	if last, ok := a.LastPoint(); ok && p.RecordedAt.Before(last.RecordedAt) {
		d.metrics.ping("stale")
		return fmt.Errorf("%w: %s before %s", ErrStaleLocation, p.RecordedAt.Format(time.RFC3339Nano), last.RecordedAt.Format(time.RFC3339Nano))
	}

	if err := d.store.AppendLocation(ctx, id, p); err != nil {
		d.metrics.ping("rejected")
		return err
	}
	d.metrics.ping("accepted")
	return nil
}

// UpdateStatus moves the alert along a defined edge.
func (d *Dispatcher) UpdateStatus(ctx context.Context, id string, to Status, actor, notes string) (*Alert, error) {
	var from Status
	a, err := d.transitionFrom(ctx, id, to, actor, notes, &from)
	if err != nil {
		return nil, err
	}
	d.logger.Info(ctx, "alert status updated", "alert_id", id, "from", from, "to", to, "actor", actor)
	return a, nil
}

// Acknowledge marks a dispatched alert as acknowledged by an operator.
func (d *Dispatcher) Acknowledge(ctx context.Context, id, actor string) (*Alert, error) {
	return d.UpdateStatus(ctx, id, StatusAcknowledged, actor, "")
}

// Respond marks responders as on their way.
func (d *Dispatcher) Respond(ctx context.Context, id, actor string) (*Alert, error) {
	return d.UpdateStatus(ctx, id, StatusResponding, actor, "")
}

// Resolve closes the alert; notes are mandatory.
func (d *Dispatcher) Resolve(ctx context.Context, id, actor, notes string) (*Alert, error) {
	return d.UpdateStatus(ctx, id, StatusResolved, actor, notes)
}

// MarkFalseAlarm ends a non-terminal alert as a false alarm.
func (d *Dispatcher) MarkFalseAlarm(ctx context.Context, id, actor, notes string) (*Alert, error) {
	return d.UpdateStatus(ctx, id, StatusFalseAlarm, actor, notes)
}

func (d *Dispatcher) transition(ctx context.Context, id string, to Status, actor, notes string) (*Alert, error) {
	var from Status
	return d.transitionFrom(ctx, id, to, actor, notes, &from)
}

func (d *Dispatcher) transitionFrom(ctx context.Context, id string, to Status, actor, notes string, from *Status) (*Alert, error) {
	a, err := d.mutate(ctx, id, func(a *Alert, now time.Time) error {
		*from = a.Status
		return applyStatus(a, to, actor, notes, now)
	})
	if err != nil {
		return nil, err
	}
	d.metrics.transitioned(*from, to)
	if to == StatusAcknowledged && a.ResponseTimeMs != nil {
		d.metrics.responded(time.Duration(*a.ResponseTimeMs) * time.Millisecond)
	}
	return a, nil
}

func applyStatus(a *Alert, to Status, actor, notes string, now time.Time) error {
	if a.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlertTerminal, a.ID, a.Status)
	}
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	notes = strings.TrimSpace(notes)

	switch to {
	case StatusAcknowledged:
		ms := now.Sub(a.TriggeredAt).Milliseconds()
		a.ResponseTimeMs = &ms
		a.AcknowledgedBy = actor
	case StatusResolved:
		if notes == "" {
			return ErrMissingResolutionNotes
		}
		ms := now.Sub(a.TriggeredAt).Milliseconds()
		a.ResolutionTimeMs = &ms
		a.ResolvedBy = actor
		a.ResolutionNotes = notes
	case StatusFalseAlarm:
		a.ResolvedBy = actor
		a.ResolutionNotes = notes
	}
	a.Status = to
	return nil
}

// Get returns the alert or ErrNotFound.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Alert, error) {
	a, ok, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// List returns alerts matching f, newest first.
func (d *Dispatcher) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return d.store.List(ctx, f)
}

// Stats summarizes all alerts.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	all, err := d.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: make(map[Status]int)}
	var resp, resol, proc avg
	for _, a := range all {
		st.Total++
		st.ByStatus[a.Status]++
		if !a.Status.Terminal() {
			st.Active++
		}
		resp.add(a.ResponseTimeMs)
		resol.add(a.ResolutionTimeMs)
		proc.add(a.ProcessingTimeMs)
	}
	st.AvgResponseTimeMs = resp.value()
	st.AvgResolutionTimeMs = resol.value()
	st.AvgProcessingTimeMs = proc.value()
	return st, nil
}

type avg struct {
	sum, n int64
}

func (a *avg) add(v *int64) {
	if v == nil {
		return
	}
	a.sum += *v
	a.n++
}

func (a *avg) value() int64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / a.n
}

// Now returns the dispatcher clock.
func (d *Dispatcher) Now() time.Time { return d.now() }

func (d *Dispatcher) mutate(ctx context.Context, id string, fn func(a *Alert, now time.Time) error) (*Alert, error) {
	for attempt := 0; attempt < d.cfg.MaxConflictRetries; attempt++ {
		a, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		expected := a.Version
		now := d.now()
		if err := fn(a, now); err != nil {
			if errors.Is(err, errUnchanged) {
				return a, nil
			}
			return nil, err
		}
		a.Version = expected + 1
		a.UpdatedAt = now

		err = d.store.Update(ctx, a, expected)
		if errors.Is(err, store.ErrConflict) {
			d.metrics.conflict()
			d.logger.Warn(ctx, "alert write conflict, retrying", "alert_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update alert: %w", err)
		}
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, id)
}
