package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxRequestBody = 64 << 10

// untraced paths are polled constantly or held open for hours.
var untraced = map[string]bool{
	"/-/healthy":         true,
	"/-/ready":           true,
	"/api/v1/console/ws": true,
}

// newRouter builds the chi router with the per-route middleware, then lets
// mount attach health probes and the API.
func newRouter(mount func(r chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	// route pattern onto the logger and span
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(dbRequestStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))
	mount(r)
	return r
}

// wrapHandler applies the listener-wide middleware. Each wrap goes around
// the previous one, so the last applied sees the raw request first.
func wrapHandler(h http.Handler, L log.Logger, instrument func(http.Handler) http.Handler, ipOpts httpmw.ClientIPOptions) http.Handler {
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(traced),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(ipOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

func traced(r *http.Request) bool {
	return !untraced[r.URL.Path]
}

// drain waits out the drain period; a second signal cuts it short.
func drain(ctx context.Context, L log.Logger, d time.Duration) {
	L.Info(ctx, "draining", "drain", d.String())
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// stopAll runs each stop in order with an equal slice of budget. A slow
// component cannot eat into the slices of the ones after it.
func stopAll(ctx context.Context, L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	per := budget / time.Duration(len(fns))
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, s := range fns {
		sctx, scancel := context.WithTimeout(ctx, per)
		if err := s.fn(sctx); err != nil {
			L.Error(ctx, err, s.name+" shutdown")
		}
		scancel()
	}
}
