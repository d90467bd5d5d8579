package postgres

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/lifeline/internal/store/pgstore.(*Alerts).AppendLocation", "(*Alerts).AppendLocation"},
		{"already short", "(*Alerts).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Incidents).Update", "(*Incidents).Update"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsStorageFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"github.com/linnemanlabs/lifeline/internal/store/pgstore.(*Alerts).Get", true},
		{"github.com/linnemanlabs/lifeline/internal/postgres.NewPool", true},
		{"github.com/linnemanlabs/lifeline/internal/alert.(*Dispatcher).IngestLocation", false},
		{"github.com/linnemanlabs/lifeline/internal/store/memstore.(*Alerts).Get", false},
	}
	for _, tt := range tests {
		if got := isStorageFrame(tt.fn); got != tt.want {
			t.Errorf("isStorageFrame(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

func TestRequestStats(t *testing.T) {
	t.Parallel()

	ctx, s := WithRequestStats(context.Background())
	if requestStatsFrom(ctx) != s {
		t.Fatal("stats not attached to context")
	}
	if requestStatsFrom(context.Background()) != nil {
		t.Error("plain context has stats")
	}

	s.add(10*time.Millisecond, nil)
	s.add(20*time.Millisecond, errors.New("timeout"))
	s.add(5*time.Millisecond, nil)

	q, e, d := s.Snapshot()
	if q != 3 || e != 1 || d != 35*time.Millisecond {
		t.Errorf("Snapshot = (%d, %d, %v), want (3, 1, 35ms)", q, e, d)
	}
}

func TestLabelsFrom(t *testing.T) {
	t.Parallel()

	method, route := labelsFrom(context.Background())
	if method != "background" || route != "none" {
		t.Errorf("labels = (%q, %q), want (background, none)", method, route)
	}

	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{"/api/v1/alerts/{id}"}
	ctx := context.WithValue(WithHTTPMethod(context.Background(), "POST"), chi.RouteCtxKey, rc)
	method, route = labelsFrom(ctx)
	if method != "POST" || route != "/api/v1/alerts/{id}" {
		t.Errorf("labels = (%q, %q), want (POST, /api/v1/alerts/{id})", method, route)
	}

	if WithHTTPMethod(context.Background(), "") != context.Background() {
		t.Error("empty method changed the context")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveQuery(_ context.Context, _, _, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

// not parallel: the observer is process-wide
func TestQueryLogger_FeedsStatsAndObserver(t *testing.T) {
	obs := &recordingObserver{}
	SetQueryObserver(obs)
	defer SetQueryObserver(nil)

	tr := wrapQueryTracer(nil, 0)
	ctx, stats := WithRequestStats(httptest.NewRequest("GET", "/", nil).Context())

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE alerts"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("deadlock detected")})

	if q, e, _ := stats.Snapshot(); q != 2 || e != 1 {
		t.Errorf("stats = (%d queries, %d errors), want (2, 1)", q, e)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.outcomes) != 2 || obs.outcomes[0] != "ok" || obs.outcomes[1] != "error" {
		t.Errorf("outcomes = %v, want [ok error]", obs.outcomes)
	}
}
