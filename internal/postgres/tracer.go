package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const modulePrefix = "github.com/linnemanlabs/lifeline/internal/"

// Frames from these packages are storage plumbing; the operation that
// caused the query is the first frame above them.
var storageFrames = []string{
	modulePrefix + "postgres.",
	modulePrefix + "store/pgstore.",
}

type ctxKey int

const (
	keyQuery ctxKey = iota
	keyMethod
	keyStats
)

// queryInfo is stashed between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql       string
	args      []any
	start     time.Time
	caller    string
	operation string
}

var observer atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver installs the process-wide query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if h := observer.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// RequestStats counts the queries issued while serving one API request.
type RequestStats struct {
	mu       sync.Mutex
	Queries  int
	Errors   int
	Duration time.Duration
}

func (s *RequestStats) add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries++
	s.Duration += dur
	if err != nil {
		s.Errors++
	}
}

// Snapshot returns the counters under the lock.
func (s *RequestStats) Snapshot() (queries, errs int, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queries, s.Errors, s.Duration
}

// WithRequestStats attaches an empty RequestStats to ctx.
func WithRequestStats(ctx context.Context) (context.Context, *RequestStats) {
	s := &RequestStats{}
	return context.WithValue(ctx, keyStats, s), s
}

func requestStatsFrom(ctx context.Context) *RequestStats {
	s, _ := ctx.Value(keyStats).(*RequestStats)
	return s
}

// WithHTTPMethod records the request method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, keyMethod, method)
}

func labelsFrom(ctx context.Context) (method, route string) {
	method, _ = ctx.Value(keyMethod).(string)
	if method == "" {
		// scheduler ticks and the alert pipeline run outside any request
		method = "background"
	}
	route = "none"
	if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	return method, route
}

// queryLogger decorates another tracer (otelpgx) with a structured log line,
// request stats and the observer hook.
type queryLogger struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

// wrapQueryTracer returns a tracer that logs every query, or only those
// slower than slow when slow > 0. Failed queries are always logged.
func wrapQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return queryLogger{inner: inner, slow: slow}
}

func (t queryLogger) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &queryInfo{sql: data.SQL, args: data.Args, start: time.Now()}
	q.caller, q.operation = findCaller()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.operation != "" {
			span.SetAttributes(attribute.String("lifeline.operation", q.operation))
		}
	}
	return context.WithValue(ctx, keyQuery, q)
}

func (t queryLogger) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, ok := ctx.Value(keyQuery).(*queryInfo)
	if !ok {
		return
	}
	dur := time.Since(q.start)

	if s := requestStatsFrom(ctx); s != nil {
		s.add(dur, data.Err)
	}

	if obs := currentObserver(); obs != nil {
		method, route := labelsFrom(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", q.sql,
		"db.args", len(q.args),
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		op, _, _ := strings.Cut(tag, " ")
		fields = append(fields, "db.operation.name", strings.ToUpper(op), "db.rows", data.CommandTag.RowsAffected())
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.operation != "" {
		fields = append(fields, "operation", q.operation)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// findCaller walks the stack for the store method issuing the query and
// the first non-storage frame above it (the dispatcher, registry or
// scheduler operation on whose behalf it runs).
func findCaller() (caller, operation string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "",
			strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryLogger.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case !isStorageFrame(fn):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, operation
		}
	}
}

func isStorageFrame(fn string) bool {
	for _, p := range storageFrames {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		fn = rest
	}
	return fn
}
