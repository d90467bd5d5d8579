package alert

import (
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/sla"
)

// Status is the lifecycle state of an emergency alert.
type Status string

const (
	StatusTriggered    Status = "triggered"
	StatusProcessing   Status = "processing"
	StatusDispatched   Status = "dispatched"
	StatusAcknowledged Status = "acknowledged"
	StatusResponding   Status = "responding"
	StatusResolved     Status = "resolved"
	StatusFalseAlarm   Status = "false_alarm"
)

var forward = map[Status]Status{
	StatusTriggered:    StatusProcessing,
	StatusProcessing:   StatusDispatched,
	StatusDispatched:   StatusAcknowledged,
	StatusAcknowledged: StatusResponding,
	StatusResponding:   StatusResolved,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTriggered, StatusProcessing, StatusDispatched, StatusAcknowledged,
		StatusResponding, StatusResolved, StatusFalseAlarm:
		return true
	}
	return false
}

// Terminal reports whether the alert accepts no further mutation.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalseAlarm
}

// AwaitingResponse reports whether no operator has acknowledged the alert yet.
func (s Status) AwaitingResponse() bool {
	return s == StatusTriggered || s == StatusProcessing || s == StatusDispatched
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFalseAlarm {
		return true
	}
	return forward[from] == to
}

// Location is a geographic position with optional accuracy and address.
type Location struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Address  string   `json:"address,omitempty"`
}

// Point is one entry of the location trail.
type Point struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Reporter is whoever raised the SOS.
type Reporter struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Alert is an SOS emergency record.
type Alert struct {
	ID            string    `json:"id"`
	SOSCode       string    `json:"sosCode"`
	TriggeredAt   time.Time `json:"triggeredAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Location      Location  `json:"location"`
	Reporter      Reporter  `json:"reporter"`
	EmergencyType string    `json:"emergencyType"`
	Severity      int       `json:"severity"`
	Description   string    `json:"description,omitempty"`
	Status        Status    `json:"status"`

	SLA sla.Deadlines `json:"sla"`

	ProcessingTimeMs *int64 `json:"processingTimeMs,omitempty"`
	ResponseTimeMs   *int64 `json:"responseTimeMs,omitempty"`
	ResolutionTimeMs *int64 `json:"resolutionTimeMs,omitempty"`

	AcknowledgedBy  string `json:"acknowledgedBy,omitempty"`
	ResolvedBy      string `json:"resolvedBy,omitempty"`
	ResolutionNotes string `json:"resolutionNotes,omitempty"`

	LocationTrail []Point         `json:"locationTrail"`
	Notifications []notify.Record `json:"notifications,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.Location.Accuracy != nil {
		v := *a.Location.Accuracy
		cp.Location.Accuracy = &v
	}
	cp.LocationTrail = slices.Clone(a.LocationTrail)
	cp.Notifications = slices.Clone(a.Notifications)
	cp.ProcessingTimeMs = clonePtr(a.ProcessingTimeMs)
	cp.ResponseTimeMs = clonePtr(a.ResponseTimeMs)
	cp.ResolutionTimeMs = clonePtr(a.ResolutionTimeMs)
	return &cp
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SLASeverity maps the 1..10 alert severity onto an SLA band.
func SLASeverity(severity int) sla.Severity {
	switch {
	case severity >= 9:
		return sla.SeverityCritical
	case severity >= 7:
		return sla.SeverityHigh
	case severity >= 4:
		return sla.SeverityMedium
	default:
		return sla.SeverityLow
	}
}

// SLAStatus evaluates the alert's SLA at now.
func (a *Alert) SLAStatus(now time.Time) sla.Status {
	return a.SLA.Evaluate(a.Status.AwaitingResponse(), now)
}

// Undelivered reports whether the alert was dispatched but every
// notification attempt failed. Suppressed duplicates count as reached.
func (a *Alert) Undelivered() bool {
	if a.Status != StatusDispatched {
		return false
	}
	failed := false
	for _, rec := range a.Notifications {
		switch rec.Status {
		case notify.StatusSent, notify.StatusDelivered, notify.StatusSuppressed:
			return false
		case notify.StatusFailed:
			failed = true
		}
	}
	return failed
}

// LastPoint returns the most recent trail point.
func (a *Alert) LastPoint() (Point, bool) {
	if len(a.LocationTrail) == 0 {
		return Point{}, false
	}
	return a.LocationTrail[len(a.LocationTrail)-1], true
}

// NewAlert is the input to Dispatcher.Trigger.
type NewAlert struct {
	Reporter      Reporter
	Location      Location
	EmergencyType string
	Severity      int
	Description   string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses      []Status
	ActiveOnly    bool
	ReporterID    string
	EmergencyType string
	Severity      int
	MinSeverity   int
	// Search matches case-insensitively against the id, SOS code, reporter
	// and description.
	Search string
	From   time.Time
	To     time.Time
	Limit  int
}

// Match reports whether a satisfies the filter.
func (f Filter) Match(a *Alert) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if f.ActiveOnly && a.Status.Terminal() {
		return false
	}
	if f.ReporterID != "" && a.Reporter.ID != f.ReporterID {
		return false
	}
	if f.EmergencyType != "" && a.EmergencyType != f.EmergencyType {
		return false
	}
	if f.Severity != 0 && a.Severity != f.Severity {
		return false
	}
	if f.MinSeverity != 0 && a.Severity < f.MinSeverity {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" && !strings.Contains(a.searchText(), q) {
		return false
	}
	if !f.From.IsZero() && a.TriggeredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.TriggeredAt.Before(f.To) {
		return false
	}
	return true
}

func (a *Alert) searchText() string {
	return strings.ToLower(strings.Join([]string{
		a.ID, a.SOSCode, a.Reporter.ID, a.Reporter.Name, a.Description,
	}, " "))
}

// Stats summarizes the alert population.
type Stats struct {
	Total               int            `json:"total"`
	Active              int            `json:"active"`
	ByStatus            map[Status]int `json:"byStatus"`
	AvgResponseTimeMs   int64          `json:"avgResponseTimeMs"`
	AvgResolutionTimeMs int64          `json:"avgResolutionTimeMs"`
	AvgProcessingTimeMs int64          `json:"avgProcessingTimeMs"`
}
