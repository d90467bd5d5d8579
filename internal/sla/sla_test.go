package sla

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAssign_CriticalDeadlines(t *testing.T) {
	t.Parallel()

	d, err := DefaultPolicy().Assign(SeverityCritical, t0)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got, want := d.Response, t0.Add(5*time.Minute); !got.Equal(want) {
		t.Errorf("Response = %v, want %v", got, want)
	}
	if got, want := d.Closure, t0.Add(240*time.Minute); !got.Equal(want) {
		t.Errorf("Closure = %v, want %v", got, want)
	}
}

func TestAssign_UnknownSeverity(t *testing.T) {
	t.Parallel()

	if _, err := DefaultPolicy().Assign(Severity("urgent"), t0); err == nil {
		t.Fatal("Assign(urgent) returned nil error")
	}
}

func TestRemaining_SignedAroundDeadline(t *testing.T) {
	t.Parallel()

	d, _ := DefaultPolicy().Assign(SeverityCritical, t0)

	tests := []struct {
		name string
		at   time.Time
		want time.Duration
	}{
		{"at creation", t0, 5 * time.Minute},
		{"exactly at deadline", t0.Add(5 * time.Minute), 0},
		{"one minute past", t0.Add(6 * time.Minute), -time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := d.Remaining(PhaseResponse, tt.at); got != tt.want {
				t.Errorf("Remaining = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemaining_ClosurePhase(t *testing.T) {
	t.Parallel()

	d, _ := DefaultPolicy().Assign(SeverityHigh, t0)
	got := d.Remaining(PhaseClosure, t0.Add(time.Hour))
	if want := 7 * time.Hour; got != want {
		t.Errorf("Remaining(closure) = %v, want %v", got, want)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	window := 10 * time.Minute
	tests := []struct {
		remaining time.Duration
		want      Level
	}{
		{10 * time.Minute, LevelNominal},
		{5 * time.Minute, LevelNominal},
		{4 * time.Minute, LevelWarning},
		{2 * time.Minute, LevelWarning},
		{time.Minute, LevelCritical},
		{0, LevelCritical},
		{-time.Second, LevelBreached},
	}
	for _, tt := range tests {
		if got := Classify(tt.remaining, window); got != tt.want {
			t.Errorf("Classify(%v, %v) = %q, want %q", tt.remaining, window, got, tt.want)
		}
	}
}

func TestEvaluate_PhaseSelection(t *testing.T) {
	t.Parallel()

	d, _ := DefaultPolicy().Assign(SeverityCritical, t0)
	now := t0.Add(6 * time.Minute)

	awaiting := d.Evaluate(true, now)
	if awaiting.Phase != PhaseResponse || awaiting.Level != LevelBreached {
		t.Errorf("awaiting response = %+v, want response/breached", awaiting)
	}

	responded := d.Evaluate(false, now)
	if responded.Phase != PhaseClosure || responded.Level != LevelNominal {
		t.Errorf("responded = %+v, want closure/nominal", responded)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	p := DefaultPolicy()
	delete(p, SeverityLow)
	if err := p.Validate(); err == nil {
		t.Error("missing severity: expected error")
	}

	p = DefaultPolicy()
	p[SeverityHigh] = Window{ResponseMinutes: 30, ClosureMinutes: 10}
	if err := p.Validate(); err == nil {
		t.Error("closure shorter than response: expected error")
	}
}

func TestTracker_FiresOncePerCrossing(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	d, _ := DefaultPolicy().Assign(SeverityCritical, t0)

	var fired int
	for _, offset := range []time.Duration{time.Minute, 6 * time.Minute, 7 * time.Minute, 8 * time.Minute} {
		if _, ok := tr.Observe("inc-1", d.Evaluate(true, t0.Add(offset))); ok {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("crossings = %d, want 1", fired)
	}
}

func TestTracker_CriticalThenBreached(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	d, _ := DefaultPolicy().Assign(SeverityCritical, t0)

	c1, ok := tr.Observe("a", d.Evaluate(true, t0.Add(4*time.Minute+30*time.Second)))
	if !ok || c1.To != LevelCritical || c1.Breached {
		t.Fatalf("first crossing = %+v (%v), want critical", c1, ok)
	}
	c2, ok := tr.Observe("a", d.Evaluate(true, t0.Add(5*time.Minute+time.Second)))
	if !ok || !c2.Breached || c2.From != LevelCritical {
		t.Fatalf("second crossing = %+v (%v), want breached from critical", c2, ok)
	}
	if _, ok := tr.Observe("a", d.Evaluate(true, t0.Add(9*time.Minute))); ok {
		t.Error("third observation re-fired")
	}
}

func TestTracker_PhaseChangeResetsBaseline(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Observe("a", Status{Phase: PhaseResponse, Level: LevelBreached})

	if _, ok := tr.Observe("a", Status{Phase: PhaseClosure, Level: LevelNominal}); ok {
		t.Error("nominal closure phase fired")
	}
	if _, ok := tr.Observe("a", Status{Phase: PhaseClosure, Level: LevelBreached}); !ok {
		t.Error("closure breach did not fire")
	}
}

func TestTracker_Forget(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Observe("a", Status{Phase: PhaseResponse, Level: LevelCritical})
	tr.Forget("a")
	if tr.Len() != 0 {
		t.Errorf("Len = %d, want 0", tr.Len())
	}
}
