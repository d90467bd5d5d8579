package incident

import "context"

// Store is the persistence interface for incidents.
//
// Update is a compare-and-swap: it succeeds only when the stored version
// equals expectedVersion, and returns store.ErrConflict otherwise.
type Store interface {
	Get(ctx context.Context, id string) (*Incident, bool, error)
	Create(ctx context.Context, inc *Incident) error
	Update(ctx context.Context, inc *Incident, expectedVersion int64) error
	List(ctx context.Context, f Filter) ([]*Incident, error)
}
