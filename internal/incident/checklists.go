package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/checklist"
)

// Checklists runs closure checklist operations against the registry's store.
type Checklists struct {
	reg *Registry
}

// NewChecklists returns the checklist operations bound to reg.
func NewChecklists(reg *Registry) *Checklists {
	return &Checklists{reg: reg}
}

// Instantiate realizes the template for the incident's type and severity.
// Calling it again leaves the existing checklist untouched.
func (c *Checklists) Instantiate(ctx context.Context, id, actor string) (*Incident, error) {
	inc, err := c.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Checklist != nil {
		return inc, nil
	}

	return c.reg.mutate(ctx, id, func(inc *Incident, now time.Time) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrIncidentClosed, inc.ID)
		}
		if inc.Checklist != nil {
			return errUnchanged
		}
		tpl, ok := c.reg.cfg.Templates.For(string(inc.Type), string(inc.Severity))
		if !ok {
			return fmt.Errorf("%w: no checklist template for %s/%s", ErrInvalidInput, inc.Type, inc.Severity)
		}
		inc.ChecklistKey = tpl.Key
		inc.Checklist = tpl.Instantiate()
		inc.appendEntry(TimelineEntry{
			At:     now,
			Actor:  actor,
			Kind:   EntryChecklist,
			Detail: fmt.Sprintf("checklist %s instantiated (%d items)", tpl.Key, len(inc.Checklist)),
		})
		return nil
	})
}

// Toggle flips one checklist item.
func (c *Checklists) Toggle(ctx context.Context, id, itemID, actor string) (*Incident, error) {
	return c.reg.mutate(ctx, id, func(inc *Incident, now time.Time) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrIncidentClosed, inc.ID)
		}
		it, err := checklist.Toggle(inc.Checklist, itemID, actor, now)
		if err != nil {
			return err
		}
		verb := "unchecked"
		if it.Completed {
			verb = "completed"
		}
		inc.appendEntry(TimelineEntry{At: now, Actor: actor, Kind: EntryChecklist, Detail: verb + " " + it.ID})
		return nil
	})
}

// CanClose reports whether inc would pass the closure gate with reason and notes.
func (c *Checklists) CanClose(inc *Incident, reason, notes string) bool {
	return checklist.CanClose(inc.Checklist, reason, notes)
}

// Approve records sign-off for an incident that requires approval.
func (c *Checklists) Approve(ctx context.Context, id, actor string) (*Incident, error) {
	return c.reg.mutate(ctx, id, func(inc *Incident, now time.Time) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrIncidentClosed, inc.ID)
		}
		if inc.ApprovedAt != nil {
			return errUnchanged
		}
		at := now
		inc.ApprovedAt = &at
		inc.ApprovedBy = actor
		inc.appendEntry(TimelineEntry{At: now, Actor: actor, Kind: EntryApproval, Detail: "closure approved"})
		return nil
	})
}

// Close re-checks the gate and performs the terminal transition together
// with the closure data.
func (c *Checklists) Close(ctx context.Context, id, actor, reason, notes string) (*Incident, error) {
	inc, err := c.reg.mutate(ctx, id, func(inc *Incident, now time.Time) error {
		return c.reg.applyClose(inc, actor, reason, notes, now)
	})
	if err != nil {
		return nil, err
	}
	c.reg.metrics.transitioned(StatusResolved, StatusClosed)
	c.reg.logger.Info(ctx, "incident closed", "incident_id", id, "actor", actor, "reason", reason)
	return inc, nil
}

func (r *Registry) applyClose(inc *Incident, actor, reason, notes string, now time.Time) error {
	if inc.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrIncidentClosed, inc.ID)
	}
	if !CanTransition(inc.Status, StatusClosed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, StatusClosed)
	}
	if err := checklist.Validate(inc.Checklist, reason, notes); err != nil {
		r.metrics.closeRejected(rejectReason(err))
		return err
	}
	if inc.RequiresApproval && inc.ApprovedAt == nil {
		r.metrics.closeRejected("approval")
		return fmt.Errorf("%w: %s", ErrApprovalRequired, inc.ID)
	}

	at := now
	inc.ClosedAt = &at
	inc.ClosedBy = actor
	inc.ClosureReason = strings.TrimSpace(reason)
	inc.ClosureNotes = strings.TrimSpace(notes)
	return applyTransition(inc, StatusClosed, actor, now)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, checklist.ErrCompletionIncomplete):
		return "incomplete"
	case errors.Is(err, checklist.ErrMissingReason):
		return "reason"
	case errors.Is(err, checklist.ErrNotesTooShort):
		return "notes"
	}
	return "other"
}
