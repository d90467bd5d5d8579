// Package escalation polls active incidents and alerts, notifies the
// responsible role when an SLA threshold is newly crossed, and walks the
// escalation chain when re-alerts go unacknowledged.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/sla"
)

// Actor is recorded on incident timelines for scheduler escalations.
const Actor = "escalation-scheduler"

// Class is a kind of record with its own tick.
type Class string

const (
	ClassAlert    Class = "alert"
	ClassIncident Class = "incident"
)

// Incidents is the incident surface the scheduler needs.
type Incidents interface {
	List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	RecordEscalation(ctx context.Context, id string, level int, role, actor string) (*incident.Incident, error)
}

// Alerts is the alert surface the scheduler needs.
type Alerts interface {
	List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error)
	Get(ctx context.Context, id string) (*alert.Alert, error)
}

// Notifier fans a payload out to recipients.
type Notifier interface {
	Send(ctx context.Context, ref notify.Ref, channels []string, recipients []notify.Recipient, p notify.Payload) notify.Report
}

// Config controls tick intervals and the escalation policy.
type Config struct {
	AlertInterval    time.Duration
	IncidentInterval time.Duration
	// Chain lists the roles notified after the record's own role, in order.
	Chain            []string
	ReAlertThreshold int
	Channels         []string
	AlertRole        string
	Parallelism      int
	Now              func() time.Time
}

// record is the class-neutral view the scheduler evaluates.
type record struct {
	id       string
	title    string
	severity sla.Severity
	status   sla.Status
	awaiting bool
	terminal bool
	role     string
	level    int
	// undelivered is set for a dispatched alert whose fan-out reached nobody.
	undelivered bool
}

// state is the per-record escalation memory.
type state struct {
	level  int
	alerts int // unacknowledged re-alerts at the current level
	// undelivered records that a failed dispatch was already escalated.
	undelivered bool
}

// Scheduler runs the alert and incident ticks.
type Scheduler struct {
	incidents Incidents
	alerts    Alerts
	notifier  Notifier
	directory notify.Directory
	cfg       Config
	logger    log.Logger
	metrics   *Metrics
	now       func() time.Time

	tracker *sla.Tracker

	mu     sync.Mutex
	states map[string]*state

	tickMu map[Class]*sync.Mutex
}

// New creates a Scheduler. Either source may be nil to disable its tick.
func New(incidents Incidents, alerts Alerts, n Notifier, dir notify.Directory, cfg Config, logger log.Logger, metrics *Metrics) *Scheduler {
	if n == nil {
		panic(xerrors.New("escalation notifier is required"))
	}
	if dir == nil {
		dir = notify.StaticDirectory{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 10 * time.Second
	}
	if cfg.IncidentInterval <= 0 {
		cfg.IncidentInterval = time.Minute
	}
	if len(cfg.Chain) == 0 {
		cfg.Chain = []string{"supervisor"}
	}
	if cfg.ReAlertThreshold <= 0 {
		cfg.ReAlertThreshold = 1
	}
	if cfg.AlertRole == "" {
		cfg.AlertRole = "safety"
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		incidents: incidents,
		alerts:    alerts,
		notifier:  n,
		directory: dir,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       now,
		tracker:   sla.NewTracker(),
		states:    make(map[string]*state),
		tickMu: map[Class]*sync.Mutex{
			ClassAlert:    {},
			ClassIncident: {},
		},
	}
}

// Run drives both ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for class, every := range map[Class]time.Duration{
		ClassAlert:    s.cfg.AlertInterval,
		ClassIncident: s.cfg.IncidentInterval,
	} {
		if (class == ClassAlert && s.alerts == nil) || (class == ClassIncident && s.incidents == nil) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, class, every)
		}()
	}
	s.logger.Info(ctx, "escalation scheduler started",
		"alert_interval", s.cfg.AlertInterval.String(),
		"incident_interval", s.cfg.IncidentInterval.String(),
	)
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, class Class, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Tick(ctx, class); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, err, "escalation tick failed", "class", class)
			}
		}
	}
}

// Tick evaluates every active record of class once. Ticks of the same class
// never overlap.
func (s *Scheduler) Tick(ctx context.Context, class Class) error {
	mu, ok := s.tickMu[class]
	if !ok {
		return fmt.Errorf("unknown record class %q", class)
	}
	mu.Lock()
	defer mu.Unlock()

	start := s.now()
	recs, err := s.active(ctx, class)
	if err != nil {
		s.metrics.tick(class, s.now().Sub(start), 0, err)
		return fmt.Errorf("list active %ss: %w", class, err)
	}

	seen := make(map[string]bool, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, rec := range recs {
		seen[rec.id] = true
		st := s.stateFor(class, rec.id)
		g.Go(func() error {
			s.evaluate(gctx, class, rec, st)
			return nil
		})
	}
	_ = g.Wait()

	s.prune(class, seen)
	s.metrics.tick(class, s.now().Sub(start), len(seen), nil)
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, class Class, rec record, st *state) {
	key := trackKey(class, rec.id)
	if !rec.awaiting {
		st.alerts = 0
	}

	crossing, ok := s.tracker.Observe(key, rec.status)
	forced := rec.undelivered && !st.undelivered
	if !ok && !forced {
		return
	}

	// cooperative cancellation: act only on a record that is still live
	fresh, err := s.fetch(ctx, class, rec.id)
	if err != nil {
		s.logger.Error(ctx, err, "re-read before escalation failed", "class", class, "record_id", rec.id)
		return
	}
	if fresh.terminal {
		s.forget(class, rec.id)
		return
	}
	forced = forced && fresh.undelivered
	if !ok && !forced {
		return
	}

	L := s.logger.With("class", class, "record_id", rec.id)
	if ok {
		s.metrics.crossing(class, string(crossing.Phase), string(crossing.To))
	}
	if forced {
		// a dispatch that reached nobody skips straight up the chain
		st.undelivered = true
		st.alerts = max(st.alerts, s.cfg.ReAlertThreshold)
	}

	level := max(st.level, fresh.level)
	escalated := false
	if st.alerts >= s.cfg.ReAlertThreshold && level < len(s.cfg.Chain) {
		level++
		st.alerts = 0
		escalated = true
	}
	st.level = level
	role := s.roleAt(fresh.role, level)

	if escalated {
		if class == ClassIncident {
			if _, err := s.incidents.RecordEscalation(ctx, rec.id, level, role, Actor); err != nil {
				if errors.Is(err, incident.ErrIncidentClosed) {
					s.forget(class, rec.id)
					return
				}
				L.Error(ctx, err, "record escalation failed", "role", role)
			}
		}
		s.metrics.escalated(class, role)
		L.Warn(ctx, "escalating to next role", "role", role, "level", level)
	}

	recipients, err := s.directory.RoleMembers(ctx, role)
	if err != nil {
		L.Error(ctx, err, "resolve role members failed", "role", role)
	}

	ref := notify.Ref{Kind: string(class), ID: rec.id}
	var p notify.Payload
	if ok {
		ref.Event = fmt.Sprintf("sla-%s-%s-l%d", crossing.Phase, crossing.To, level)
		p = payloadFor(class, fresh, crossing, role)
	} else {
		ref.Event = fmt.Sprintf("undelivered-l%d", level)
		p = undeliveredPayload(class, fresh, role)
	}
	rep := s.notifier.Send(ctx, ref, s.cfg.Channels, recipients, p)

	switch {
	case len(recipients) == 0 || rep.AllFailed():
		// nobody was reached, so the next crossing goes up the chain
		st.alerts = s.cfg.ReAlertThreshold
		L.Warn(ctx, "sla re-alert reached nobody", "role", role, "recipients", len(recipients))
	case fresh.awaiting:
		st.alerts++
	}

	if !ok {
		L.Warn(ctx, "dispatch reached nobody, re-alerted up the chain",
			"role", role,
			"level", level,
			"notified", rep.Succeeded(),
		)
		return
	}
	L.Info(ctx, "sla threshold crossed",
		"phase", crossing.Phase,
		"from", crossing.From,
		"to", crossing.To,
		"role", role,
		"level", level,
		"notified", rep.Succeeded(),
	)
}

func (s *Scheduler) roleAt(base string, level int) string {
	if level <= 0 {
		return base
	}
	return s.cfg.Chain[min(level, len(s.cfg.Chain))-1]
}

func payloadFor(class Class, rec record, c sla.Crossing, role string) notify.Payload {
	verb := "approaching"
	if c.Breached {
		verb = "breached"
	}
	return notify.Payload{
		Title:      fmt.Sprintf("SLA %s: %s %s", verb, class, rec.title),
		Body:       fmt.Sprintf("%s deadline %s (%s remaining). Notifying %s.", c.Phase, verb, rec.status.Remaining.Round(time.Second), role),
		Severity:   string(rec.severity),
		RecordKind: string(class),
		RecordID:   rec.id,
		Data: map[string]string{
			"phase": string(c.Phase),
			"level": string(c.To),
		},
	}
}

func undeliveredPayload(class Class, rec record, role string) notify.Payload {
	return notify.Payload{
		Title:      fmt.Sprintf("Undelivered %s: %s", class, rec.title),
		Body:       fmt.Sprintf("Nobody could be reached for this %s (%s remaining). Notifying %s.", class, rec.status.Remaining.Round(time.Second), role),
		Severity:   string(rec.severity),
		RecordKind: string(class),
		RecordID:   rec.id,
		Data: map[string]string{
			"phase": string(rec.status.Phase),
			"level": string(rec.status.Level),
		},
	}
}

func (s *Scheduler) active(ctx context.Context, class Class) ([]record, error) {
	now := s.now()
	switch class {
	case ClassIncident:
		if s.incidents == nil {
			return nil, nil
		}
		list, err := s.incidents.List(ctx, incident.Filter{ActiveOnly: true})
		if err != nil {
			return nil, err
		}
		out := make([]record, 0, len(list))
		for _, inc := range list {
			out = append(out, incidentRecord(inc, now))
		}
		return out, nil
	case ClassAlert:
		if s.alerts == nil {
			return nil, nil
		}
		list, err := s.alerts.List(ctx, alert.Filter{ActiveOnly: true})
		if err != nil {
			return nil, err
		}
		out := make([]record, 0, len(list))
		for _, a := range list {
			out = append(out, s.alertRecord(a, now))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown record class %q", class)
}

func (s *Scheduler) fetch(ctx context.Context, class Class, id string) (record, error) {
	now := s.now()
	if class == ClassIncident {
		inc, err := s.incidents.Get(ctx, id)
		if errors.Is(err, incident.ErrNotFound) {
			return record{id: id, terminal: true}, nil
		}
		if err != nil {
			return record{}, err
		}
		return incidentRecord(inc, now), nil
	}
	a, err := s.alerts.Get(ctx, id)
	if errors.Is(err, alert.ErrNotFound) {
		return record{id: id, terminal: true}, nil
	}
	if err != nil {
		return record{}, err
	}
	return s.alertRecord(a, now), nil
}

func incidentRecord(inc *incident.Incident, now time.Time) record {
	return record{
		id:       inc.ID,
		title:    inc.Title,
		severity: inc.Severity,
		status:   inc.SLAStatus(now),
		awaiting: inc.Status.AwaitingResponse(),
		terminal: inc.Status.Terminal(),
		role:     inc.AssignedTo,
		level:    inc.EscalationLevel,
	}
}

func (s *Scheduler) alertRecord(a *alert.Alert, now time.Time) record {
	return record{
		id:       a.ID,
		title:    a.SOSCode + " " + a.EmergencyType,
		severity: alert.SLASeverity(a.Severity),
		status:   a.SLAStatus(now),
		awaiting: a.Status.AwaitingResponse(),
		terminal: a.Status.Terminal(),
		role:     s.cfg.AlertRole,

		undelivered: a.Undelivered(),
	}
}

func trackKey(class Class, id string) string {
	return string(class) + "/" + id
}

func (s *Scheduler) stateFor(class Class, id string) *state {
	key := trackKey(class, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &state{}
		s.states[key] = st
	}
	return st
}

func (s *Scheduler) forget(class Class, id string) {
	key := trackKey(class, id)
	s.tracker.Forget(key)
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
}

// prune drops memory for records of class that are no longer active.
func (s *Scheduler) prune(class Class, active map[string]bool) {
	prefix := string(class) + "/"
	s.mu.Lock()
	var gone []string
	for key := range s.states {
		id, ok := strings.CutPrefix(key, prefix)
		if ok && !active[id] {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	for _, id := range gone {
		s.forget(class, id)
	}
}

// Tracked returns the number of records with escalation memory.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
