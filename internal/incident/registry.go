// Package incident owns the incident lifecycle: creation, the status state
// machine, closure checklists and queries.
package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/lifeline/internal/checklist"
	"github.com/linnemanlabs/lifeline/internal/sla"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// DefaultMaxConflictRetries bounds transparent compare-and-swap retries.
const DefaultMaxConflictRetries = 3

// errUnchanged lets a mutation report that there is nothing to write.
var errUnchanged = errors.New("unchanged")

// Config carries the policy the registry enforces.
type Config struct {
	SLA              sla.Policy
	Templates        checklist.Set
	ApprovalRequired func(typ Type, sev sla.Severity) bool
	DefaultRole      func(typ Type) string

	MaxConflictRetries int
	Now                func() time.Time
}

// Registry is the business boundary for incident operations.
type Registry struct {
	store   Store
	cfg     Config
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewRegistry creates a Registry. metrics may be nil.
func NewRegistry(s Store, cfg Config, logger log.Logger, metrics *Metrics) *Registry {
	if s == nil {
		panic(xerrors.New("incident store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SLA == nil {
		cfg.SLA = sla.DefaultPolicy()
	}
	if cfg.Templates == nil {
		cfg.Templates = checklist.DefaultSet()
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     now,
	}
}

// Create validates input and persists a new incident in the open state.
func (r *Registry) Create(ctx context.Context, in NewIncident) (*Incident, error) {
	if err := validateNew(in); err != nil {
		return nil, err
	}

	now := r.now()
	deadlines, err := r.cfg.SLA.Assign(in.Severity, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	assigned := in.AssignedTo
	if assigned == "" && r.cfg.DefaultRole != nil {
		assigned = r.cfg.DefaultRole(in.Type)
	}

	inc := &Incident{
		ID:          ulid.Make().String(),
		Type:        in.Type,
		Severity:    in.Severity,
		Status:      StatusOpen,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		CreatedAt:   now,
		CreatedBy:   in.CreatedBy,
		UpdatedAt:   now,
		AssignedTo:  assigned,
		Linked:      in.Linked,
		SLA:         deadlines,
		Version:     1,
	}
	if r.cfg.ApprovalRequired != nil {
		inc.RequiresApproval = r.cfg.ApprovalRequired(in.Type, in.Severity)
	}
	inc.appendEntry(TimelineEntry{At: now, Actor: in.CreatedBy, Kind: EntryCreated, To: StatusOpen})

	if err := r.store.Create(ctx, inc); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	r.metrics.created(inc)

	r.logger.Info(ctx, "incident created",
		"incident_id", inc.ID,
		"type", inc.Type,
		"severity", inc.Severity,
		"assigned_to", inc.AssignedTo,
		"response_deadline", inc.SLA.Response,
	)
	return inc, nil
}

func validateNew(in NewIncident) error {
	var problems []string
	if !in.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", in.Type))
	}
	if !in.Severity.Valid() {
		problems = append(problems, fmt.Sprintf("unknown severity %q", in.Severity))
	}
	if strings.TrimSpace(in.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		problems = append(problems, "createdBy is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// Get returns the incident or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Incident, error) {
	inc, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inc, nil
}

// List returns incidents matching f, newest first.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Incident, error) {
	return r.store.List(ctx, f)
}

// Transition moves the incident along a defined edge. Closing goes through
// the checklist gate using the closure data already recorded on the incident,
// so callers normally close with Checklists.Close.
func (r *Registry) Transition(ctx context.Context, id string, to Status, actor string) (*Incident, error) {
	var from Status
	inc, err := r.mutate(ctx, id, func(inc *Incident, now time.Time) error {
		from = inc.Status
		if to == StatusClosed {
			return r.applyClose(inc, actor, inc.ClosureReason, inc.ClosureNotes, now)
		}
		return applyTransition(inc, to, actor, now)
	})
	if err != nil {
		return nil, err
	}
	r.metrics.transitioned(from, to)
	r.logger.Info(ctx, "incident transitioned", "incident_id", id, "from", from, "to", to, "actor", actor)
	return inc, nil
}

func applyTransition(inc *Incident, to Status, actor string, now time.Time) error {
	if inc.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrIncidentClosed, inc.ID)
	}
	if !CanTransition(inc.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, to)
	}
	inc.appendEntry(TimelineEntry{At: now, Actor: actor, Kind: EntryTransition, From: inc.Status, To: to})
	inc.Status = to
	return nil
}

// RecordEscalation notes on the timeline that the incident was escalated to role.
func (r *Registry) RecordEscalation(ctx context.Context, id string, level int, role, actor string) (*Incident, error) {
	return r.mutate(ctx, id, func(inc *Incident, now time.Time) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrIncidentClosed, inc.ID)
		}
		inc.EscalationLevel = level
		inc.EscalatedTo = role
		inc.appendEntry(TimelineEntry{
			At:     now,
			Actor:  actor,
			Kind:   EntryEscalation,
			Detail: fmt.Sprintf("escalated to %s (level %d)", role, level),
		})
		return nil
	})
}

// Stats summarizes all incidents.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	all, err := r.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	now := r.now()
	st := Stats{
		ByStatus:   make(map[Status]int),
		BySeverity: make(map[sla.Severity]int),
		ByType:     make(map[Type]int),
	}
	for _, inc := range all {
		st.Total++
		st.ByStatus[inc.Status]++
		st.BySeverity[inc.Severity]++
		st.ByType[inc.Type]++
		if inc.Status.Terminal() {
			continue
		}
		st.Active++
		if inc.SLAStatus(now).Level == sla.LevelBreached {
			st.Breached++
		}
	}
	return st, nil
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.now() }

// mutate runs a read-modify-write against the store. A lost compare-and-swap
// re-reads and re-applies fn, so fn sees and re-validates the fresh state.
func (r *Registry) mutate(ctx context.Context, id string, fn func(inc *Incident, now time.Time) error) (*Incident, error) {
	for attempt := 0; attempt < r.cfg.MaxConflictRetries; attempt++ {
		inc, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		expected := inc.Version
		now := r.now()
		if err := fn(inc, now); err != nil {
			if errors.Is(err, errUnchanged) {
				return inc, nil
			}
			return nil, err
		}
		inc.Version = expected + 1
		inc.UpdatedAt = now

		err = r.store.Update(ctx, inc, expected)
		if errors.Is(err, store.ErrConflict) {
			r.metrics.conflict()
			r.logger.Warn(ctx, "incident write conflict, retrying", "incident_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update incident: %w", err)
		}
		return inc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, id)
}
