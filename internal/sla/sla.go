// Package sla computes severity-driven response and closure deadlines and
// classifies how close a record is to breaching them.
package sla

import (
	"fmt"
	"time"
)

// Severity is the urgency band a record is evaluated under.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every known severity, most urgent first.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Level is the SLA classification of a record at a point in time.
type Level string

const (
	LevelNominal  Level = "nominal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelBreached Level = "breached"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelBreached:
		return 3
	}
	return 0
}

// AtLeast reports whether l is as urgent as other or more.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// Window is the pair of SLA durations for one severity.
type Window struct {
	ResponseMinutes int `yaml:"response_minutes" json:"responseMinutes"`
	ClosureMinutes  int `yaml:"closure_minutes" json:"closureMinutes"`
}

// Response returns the response window as a duration.
func (w Window) Response() time.Duration {
	return time.Duration(w.ResponseMinutes) * time.Minute
}

// Closure returns the closure window as a duration.
func (w Window) Closure() time.Duration {
	return time.Duration(w.ClosureMinutes) * time.Minute
}

// Policy maps severity to its SLA window. It is independent of record type.
type Policy map[Severity]Window

// DefaultPolicy is used when no policy file overrides it.
func DefaultPolicy() Policy {
	return Policy{
		SeverityCritical: {ResponseMinutes: 5, ClosureMinutes: 240},
		SeverityHigh:     {ResponseMinutes: 15, ClosureMinutes: 480},
		SeverityMedium:   {ResponseMinutes: 60, ClosureMinutes: 1440},
		SeverityLow:      {ResponseMinutes: 240, ClosureMinutes: 4320},
	}
}

// Validate checks that every severity has positive windows and that the
// closure window is never shorter than the response window.
func (p Policy) Validate() error {
	for _, sev := range Severities {
		w, ok := p[sev]
		if !ok {
			return fmt.Errorf("sla: no window for severity %q", sev)
		}
		if w.ResponseMinutes <= 0 || w.ClosureMinutes <= 0 {
			return fmt.Errorf("sla: severity %q windows must be positive", sev)
		}
		if w.ClosureMinutes < w.ResponseMinutes {
			return fmt.Errorf("sla: severity %q closure window shorter than response window", sev)
		}
	}
	return nil
}

// Deadlines are the absolute instants a record must be responded to and closed by.
type Deadlines struct {
	CreatedAt time.Time `json:"createdAt"`
	Response  time.Time `json:"responseDeadline"`
	Closure   time.Time `json:"closureDeadline"`
}

// Assign computes deadlines for a record of the given severity created at createdAt.
func (p Policy) Assign(sev Severity, createdAt time.Time) (Deadlines, error) {
	w, ok := p[sev]
	if !ok {
		return Deadlines{}, fmt.Errorf("sla: unknown severity %q", sev)
	}
	return Deadlines{
		CreatedAt: createdAt,
		Response:  createdAt.Add(w.Response()),
		Closure:   createdAt.Add(w.Closure()),
	}, nil
}

// Phase selects which deadline applies.
type Phase string

const (
	PhaseResponse Phase = "response"
	PhaseClosure  Phase = "closure"
)

// PhaseFor returns the response phase while a record still awaits its first
// response, and the closure phase afterwards.
func PhaseFor(awaitingResponse bool) Phase {
	if awaitingResponse {
		return PhaseResponse
	}
	return PhaseClosure
}

// Remaining returns the signed time left until the applicable deadline.
// It is zero exactly at the deadline and negative after it.
func (d Deadlines) Remaining(phase Phase, now time.Time) time.Duration {
	if phase == PhaseResponse {
		return d.Response.Sub(now)
	}
	return d.Closure.Sub(now)
}

// Window returns the full duration of the given phase measured from creation.
func (d Deadlines) Window(phase Phase) time.Duration {
	if phase == PhaseResponse {
		return d.Response.Sub(d.CreatedAt)
	}
	return d.Closure.Sub(d.CreatedAt)
}

// Classify maps remaining time against the phase window.
func Classify(remaining, window time.Duration) Level {
	switch {
	case remaining < 0:
		return LevelBreached
	case window <= 0:
		return LevelCritical
	case remaining*5 < window:
		return LevelCritical
	case remaining*2 < window:
		return LevelWarning
	default:
		return LevelNominal
	}
}

// Status is a point-in-time SLA evaluation of one record.
type Status struct {
	Phase     Phase         `json:"phase"`
	Remaining time.Duration `json:"remaining"`
	Level     Level         `json:"level"`
}

// Evaluate combines Remaining and Classify for the record's current phase.
func (d Deadlines) Evaluate(awaitingResponse bool, now time.Time) Status {
	phase := PhaseFor(awaitingResponse)
	rem := d.Remaining(phase, now)
	return Status{
		Phase:     phase,
		Remaining: rem,
		Level:     Classify(rem, d.Window(phase)),
	}
}
