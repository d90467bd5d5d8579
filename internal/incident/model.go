package incident

import (
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/checklist"
	"github.com/linnemanlabs/lifeline/internal/sla"
)

// Type classifies what kind of incident was reported.
type Type string

const (
	TypeSafety    Type = "safety"
	TypeDriver    Type = "driver"
	TypeVehicle   Type = "vehicle"
	TypeFinancial Type = "financial"
	TypeSystem    Type = "system"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeSafety, TypeDriver, TypeVehicle, TypeFinancial, TypeSystem:
		return true
	}
	return false
}

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusResolved     Status = "resolved"
	StatusClosed       Status = "closed"
)

var transitions = map[Status][]Status{
	StatusOpen:         {StatusAcknowledged, StatusInProgress},
	StatusAcknowledged: {StatusInProgress},
	StatusInProgress:   {StatusResolved},
	StatusResolved:     {StatusClosed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool { return s == StatusClosed }

// AwaitingResponse reports whether the response deadline applies.
func (s Status) AwaitingResponse() bool { return s == StatusOpen }

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Entry kinds recorded on the timeline.
const (
	EntryCreated    = "created"
	EntryTransition = "transition"
	EntryChecklist  = "checklist"
	EntryApproval   = "approval"
	EntryEscalation = "escalation"
)

// TimelineEntry is one append-only event on an incident.
type TimelineEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Kind   string    `json:"kind"`
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Linked references the entities an incident concerns. All optional.
type Linked struct {
	DriverID   string `json:"driverId,omitempty"`
	VehicleID  string `json:"vehicleId,omitempty"`
	BookingID  string `json:"bookingId,omitempty"`
	CustomerID string `json:"customerId,omitempty"`
}

// Incident is the operational record of something that went wrong.
type Incident struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Severity    sla.Severity    `json:"severity"`
	Status      Status          `json:"status"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CreatedBy   string          `json:"createdBy"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	AssignedTo  string          `json:"assignedTo"`
	Linked      Linked          `json:"linked"`
	Timeline    []TimelineEntry `json:"timeline"`
	SLA         sla.Deadlines   `json:"sla"`

	ChecklistKey string           `json:"checklistKey,omitempty"`
	Checklist    []checklist.Item `json:"checklist,omitempty"`

	RequiresApproval bool       `json:"requiresApproval"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`

	EscalationLevel int    `json:"escalationLevel"`
	EscalatedTo     string `json:"escalatedTo,omitempty"`

	ClosedAt      *time.Time `json:"closedAt,omitempty"`
	ClosedBy      string     `json:"closedBy,omitempty"`
	ClosureReason string     `json:"closureReason,omitempty"`
	ClosureNotes  string     `json:"closureNotes,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (inc *Incident) Clone() *Incident {
	cp := *inc
	cp.Timeline = slices.Clone(inc.Timeline)
	cp.Checklist = checklist.Clone(inc.Checklist)
	if inc.ApprovedAt != nil {
		at := *inc.ApprovedAt
		cp.ApprovedAt = &at
	}
	if inc.ClosedAt != nil {
		at := *inc.ClosedAt
		cp.ClosedAt = &at
	}
	return &cp
}

// SLAStatus evaluates the incident's SLA at now.
func (inc *Incident) SLAStatus(now time.Time) sla.Status {
	return inc.SLA.Evaluate(inc.Status.AwaitingResponse(), now)
}

func (inc *Incident) appendEntry(e TimelineEntry) {
	inc.Timeline = append(inc.Timeline, e)
}

// NewIncident is the input to Registry.Create.
type NewIncident struct {
	Type        Type
	Severity    sla.Severity
	Title       string
	Description string
	CreatedBy   string
	AssignedTo  string
	Linked      Linked
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses    []Status
	Severity    sla.Severity
	Type        Type
	Search      string
	CreatedFrom time.Time
	CreatedTo   time.Time
	ActiveOnly  bool
	Limit       int
}

// Match reports whether inc satisfies the filter.
func (f Filter) Match(inc *Incident) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inc.Status) {
		return false
	}
	if f.ActiveOnly && inc.Status.Terminal() {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.Type != "" && inc.Type != f.Type {
		return false
	}
	if !f.CreatedFrom.IsZero() && inc.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !inc.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(inc.ID + " " + inc.Title + " " + inc.Description)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

// Stats summarizes the incident population.
type Stats struct {
	Total      int                  `json:"total"`
	Active     int                  `json:"active"`
	Breached   int                  `json:"breached"`
	ByStatus   map[Status]int       `json:"byStatus"`
	BySeverity map[sla.Severity]int `json:"bySeverity"`
	ByType     map[Type]int         `json:"byType"`
}
