package incident

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/checklist"
	"github.com/linnemanlabs/lifeline/internal/sla"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// mockStore is an in-memory Store with optional conflict injection.
type mockStore struct {
	mu        sync.Mutex
	incidents map[string]*Incident
	conflicts int    // number of Update calls to fail with ErrConflict
	onUpdate  func() // runs before the version check, outside the lock
	updates   int
}

func newMockStore() *mockStore {
	return &mockStore{incidents: make(map[string]*Incident)}
}

func (m *mockStore) Get(_ context.Context, id string) (*Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

func (m *mockStore) Create(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc.Clone()
	return nil
}

func (m *mockStore) Update(_ context.Context, inc *Incident, expected int64) error {
	if m.onUpdate != nil {
		m.onUpdate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.conflicts > 0 {
		m.conflicts--
		return store.ErrConflict
	}
	cur, ok := m.incidents[inc.ID]
	if !ok || cur.Version != expected {
		return store.ErrConflict
	}
	m.incidents[inc.ID] = inc.Clone()
	return nil
}

func (m *mockStore) List(_ context.Context, f Filter) ([]*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Incident
	for _, inc := range m.incidents {
		if f.Match(inc) {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *mockStore, *fakeClock) {
	t.Helper()
	s := newMockStore()
	clk := &fakeClock{t: t0}
	reg := NewRegistry(s, Config{
		ApprovalRequired: func(typ Type, _ sla.Severity) bool { return typ == TypeFinancial },
		DefaultRole:      func(typ Type) string { return string(typ) + "-team" },
		Now:              clk.Now,
	}, log.Nop(), nil)
	return reg, s, clk
}

func mustCreate(t *testing.T, reg *Registry, typ Type, sev sla.Severity) *Incident {
	t.Helper()
	inc, err := reg.Create(context.Background(), NewIncident{
		Type: typ, Severity: sev, Title: "Rider reports unsafe driving", CreatedBy: "rider-42",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return inc
}

func TestNewRegistry_NilStorePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("NewRegistry(nil) did not panic")
		}
	}()
	NewRegistry(nil, Config{}, nil, nil)
}

func TestCreate_OpenWithDeadlinesAndTimeline(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	inc := mustCreate(t, reg, TypeSafety, sla.SeverityCritical)

	if inc.Status != StatusOpen {
		t.Errorf("Status = %q, want open", inc.Status)
	}
	if want := t0.Add(5 * time.Minute); !inc.SLA.Response.Equal(want) {
		t.Errorf("Response deadline = %v, want %v", inc.SLA.Response, want)
	}
	if inc.AssignedTo != "safety-team" {
		t.Errorf("AssignedTo = %q, want safety-team", inc.AssignedTo)
	}
	if len(inc.Timeline) != 1 || inc.Timeline[0].Kind != EntryCreated {
		t.Errorf("Timeline = %+v, want single created entry", inc.Timeline)
	}
	if inc.RequiresApproval {
		t.Error("safety incident should not require approval")
	}
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	tests := []struct {
		name string
		in   NewIncident
	}{
		{"bad type", NewIncident{Type: "weather", Severity: sla.SeverityLow, Title: "x", CreatedBy: "u"}},
		{"bad severity", NewIncident{Type: TypeSystem, Severity: "urgent", Title: "x", CreatedBy: "u"}},
		{"no title", NewIncident{Type: TypeSystem, Severity: sla.SeverityLow, Title: "  ", CreatedBy: "u"}},
		{"no reporter", NewIncident{Type: TypeSystem, Severity: sla.SeverityLow, Title: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := reg.Create(context.Background(), tt.in); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestTransition_DefinedEdges(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	inc := mustCreate(t, reg, TypeDriver, sla.SeverityHigh)

	for _, to := range []Status{StatusAcknowledged, StatusInProgress, StatusResolved} {
		got, err := reg.Transition(ctx, inc.ID, to, "ops-1")
		if err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
		if got.Status != to {
			t.Fatalf("Status = %q, want %q", got.Status, to)
		}
	}

	got, _ := reg.Get(ctx, inc.ID)
	if len(got.Timeline) != 4 {
		t.Fatalf("timeline len = %d, want 4", len(got.Timeline))
	}
	last := got.Timeline[3]
	if last.From != StatusInProgress || last.To != StatusResolved || last.Actor != "ops-1" || !last.At.Equal(t0) {
		t.Errorf("last entry = %+v", last)
	}
}

func TestTransition_InvalidEdges(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	inc := mustCreate(t, reg, TypeVehicle, sla.SeverityLow)

	for _, to := range []Status{StatusResolved, StatusClosed, StatusOpen} {
		if _, err := reg.Transition(ctx, inc.ID, to, "ops-1"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("open -> %s: err = %v, want ErrInvalidTransition", to, err)
		}
	}

	got, _ := reg.Get(ctx, inc.ID)
	if got.Status != StatusOpen || len(got.Timeline) != 1 {
		t.Errorf("rejected transitions mutated incident: %+v", got)
	}
}

func TestTransition_ClosedWithoutClosureDataFails(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	inc := mustCreate(t, reg, TypeSystem, sla.SeverityLow)
	for _, to := range []Status{StatusInProgress, StatusResolved} {
		if _, err := reg.Transition(ctx, inc.ID, to, "ops"); err != nil {
			t.Fatal(err)
		}
	}

	_, err := reg.Transition(ctx, inc.ID, StatusClosed, "ops")
	if !errors.Is(err, checklist.ErrMissingReason) || !errors.Is(err, checklist.ErrCompletionIncomplete) {
		t.Errorf("err = %v, want missing reason and incomplete", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := reg.Transition(context.Background(), "nope", StatusAcknowledged, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition err = %v, want ErrNotFound", err)
	}
}

func TestMutate_RetriesConflictsTransparently(t *testing.T) {
	t.Parallel()

	reg, s, _ := newTestRegistry(t)
	inc := mustCreate(t, reg, TypeSystem, sla.SeverityMedium)

	s.mu.Lock()
	s.conflicts = DefaultMaxConflictRetries - 1
	s.mu.Unlock()

	got, err := reg.Transition(context.Background(), inc.ID, StatusAcknowledged, "ops")
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestMutate_SurfacesConcurrentModification(t *testing.T) {
	t.Parallel()

	reg, s, _ := newTestRegistry(t)
	inc := mustCreate(t, reg, TypeSystem, sla.SeverityMedium)

	s.mu.Lock()
	s.conflicts = DefaultMaxConflictRetries
	s.mu.Unlock()

	if _, err := reg.Transition(context.Background(), inc.ID, StatusAcknowledged, "ops"); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("err = %v, want ErrConcurrentModification", err)
	}
}

func TestMutate_LoserRevalidatesOnFreshRead(t *testing.T) {
	t.Parallel()

	reg, s, _ := newTestRegistry(t)
	ctx := context.Background()
	inc := mustCreate(t, reg, TypeSafety, sla.SeverityHigh)

	// A competing writer acknowledges the incident between our read and our write.
	var once sync.Once
	s.onUpdate = func() {
		once.Do(func() {
			s.mu.Lock()
			cur := s.incidents[inc.ID]
			cur.Status = StatusAcknowledged
			cur.Version++
			s.mu.Unlock()
		})
	}

	// open -> acknowledged is valid on the stale read, but after the retry the
	// fresh state is acknowledged and the same edge is no longer defined.
	_, err := reg.Transition(ctx, inc.ID, StatusAcknowledged, "ops")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition after re-validation", err)
	}
}

func TestRecordEscalation(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	inc := mustCreate(t, reg, TypeSafety, sla.SeverityCritical)

	got, err := reg.RecordEscalation(context.Background(), inc.ID, 1, "supervisor", "system")
	if err != nil {
		t.Fatalf("RecordEscalation: %v", err)
	}
	if got.EscalationLevel != 1 || got.EscalatedTo != "supervisor" {
		t.Errorf("escalation = %d/%q", got.EscalationLevel, got.EscalatedTo)
	}
	last := got.Timeline[len(got.Timeline)-1]
	if last.Kind != EntryEscalation {
		t.Errorf("last entry kind = %q, want escalation", last.Kind)
	}
}

func TestListAndFilter(t *testing.T) {
	t.Parallel()

	reg, _, clk := newTestRegistry(t)
	ctx := context.Background()
	a := mustCreate(t, reg, TypeSafety, sla.SeverityCritical)
	clk.Advance(time.Minute)
	b := mustCreate(t, reg, TypeVehicle, sla.SeverityLow)
	clk.Advance(time.Minute)
	if _, err := reg.Transition(ctx, b.ID, StatusAcknowledged, "ops"); err != nil {
		t.Fatal(err)
	}

	all, _ := reg.List(ctx, Filter{})
	if len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("List = %d items, first %q; want 2 newest first", len(all), all[0].ID)
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"by type", Filter{Type: TypeSafety}, []string{a.ID}},
		{"by severity", Filter{Severity: sla.SeverityLow}, []string{b.ID}},
		{"by status", Filter{Statuses: []Status{StatusAcknowledged}}, []string{b.ID}},
		{"search", Filter{Search: "UNSAFE"}, []string{b.ID, a.ID}},
		{"range", Filter{CreatedFrom: t0.Add(30 * time.Second)}, []string{b.ID}},
	}
	for _, tt := range tests {
		got, err := reg.List(ctx, tt.f)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		var ids []string
		for _, inc := range got {
			ids = append(ids, inc.ID)
		}
		if !slices.Equal(ids, tt.want) {
			t.Errorf("%s: ids = %v, want %v", tt.name, ids, tt.want)
		}
	}
}

func TestStats_CountsBreached(t *testing.T) {
	t.Parallel()

	reg, _, clk := newTestRegistry(t)
	mustCreate(t, reg, TypeSafety, sla.SeverityCritical)
	mustCreate(t, reg, TypeSystem, sla.SeverityLow)
	clk.Advance(6 * time.Minute)

	st, err := reg.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 || st.Active != 2 || st.Breached != 1 {
		t.Errorf("Stats = %+v, want total 2 active 2 breached 1", st)
	}
	if st.ByType[TypeSafety] != 1 || st.BySeverity[sla.SeverityLow] != 1 || st.ByStatus[StatusOpen] != 2 {
		t.Errorf("breakdown = %+v", st)
	}
}

func TestSLAStatus_CriticalScenario(t *testing.T) {
	t.Parallel()

	reg, _, clk := newTestRegistry(t)
	inc := mustCreate(t, reg, TypeSafety, sla.SeverityCritical)
	clk.Advance(6 * time.Minute)

	st := inc.SLAStatus(clk.Now())
	if st.Remaining != -time.Minute {
		t.Errorf("Remaining = %v, want -1m", st.Remaining)
	}
	if st.Level != sla.LevelBreached {
		t.Errorf("Level = %q, want breached", st.Level)
	}
}
