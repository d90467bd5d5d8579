// Package memstore provides in-memory implementations of incident.Store and
// alert.Store. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// Incidents holds incidents in memory.
type Incidents struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
}

// NewIncidents initializes an empty incident store.
func NewIncidents() *Incidents {
	return &Incidents{incidents: make(map[string]*incident.Incident)}
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Incidents) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// Create stores a copy of a new incident.
func (s *Incidents) Create(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; ok {
		return fmt.Errorf("incident %s already exists", inc.ID)
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// Update replaces the incident if its stored version is still expectedVersion.
func (s *Incidents) Update(_ context.Context, inc *incident.Incident, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[inc.ID]
	if !ok {
		return fmt.Errorf("%w: %s", incident.ErrNotFound, inc.ID)
	}
	if cur.Version != expectedVersion {
		return store.ErrConflict
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// List returns copies of matching incidents, newest first.
func (s *Incidents) List(_ context.Context, f incident.Filter) ([]*incident.Incident, error) {
	s.mu.RLock()
	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if f.Match(inc) {
			out = append(out, inc.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Alerts holds emergency alerts in memory.
type Alerts struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert
}

// NewAlerts initializes an empty alert store.
func NewAlerts() *Alerts {
	return &Alerts{alerts: make(map[string]*alert.Alert)}
}

// Get retrieves an alert by ID. Returns a copy.
func (s *Alerts) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Create stores a copy of a new alert.
func (s *Alerts) Create(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

// Update replaces the alert if its stored version is still expectedVersion.
// The stored location trail is kept; it only grows through AppendLocation.
func (s *Alerts) Update(_ context.Context, a *alert.Alert, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", alert.ErrNotFound, a.ID)
	}
	if cur.Version != expectedVersion {
		return store.ErrConflict
	}
	next := a.Clone()
	next.LocationTrail = cur.LocationTrail
	s.alerts[a.ID] = next
	return nil
}

// List returns copies of matching alerts, newest first.
func (s *Alerts) List(_ context.Context, f alert.Filter) ([]*alert.Alert, error) {
	s.mu.RLock()
	out := make([]*alert.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Match(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// AppendLocation appends p to the alert's trail under the store lock, so the
// terminal and ordering checks cannot race a status update.
func (s *Alerts) AppendLocation(_ context.Context, id string, p alert.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", alert.ErrNotFound, id)
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", alert.ErrAlertTerminal, id, a.Status)
	}
	if last, ok := a.LastPoint(); ok && p.RecordedAt.Before(last.RecordedAt) {
		return alert.ErrStaleLocation
	}
	// copy-on-write so clones handed out earlier never observe the append
	trail := make([]alert.Point, len(a.LocationTrail), len(a.LocationTrail)+1)
	copy(trail, a.LocationTrail)
	a.LocationTrail = append(trail, p)
	return nil
}
