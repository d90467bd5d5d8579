package alert

import "context"

// Store is the persistence interface for emergency alerts.
//
// Update is a compare-and-swap on Version and never rewrites the location
// trail; the trail only grows through AppendLocation, which must refuse
// points for terminal alerts (ErrAlertTerminal) and points older than the
// current trail head (ErrStaleLocation) atomically with the append.
type Store interface {
	Get(ctx context.Context, id string) (*Alert, bool, error)
	Create(ctx context.Context, a *Alert) error
	Update(ctx context.Context, a *Alert, expectedVersion int64) error
	List(ctx context.Context, f Filter) ([]*Alert, error)
	AppendLocation(ctx context.Context, id string, p Point) error
}
