// Lifeline tracks operational incidents and SOS emergency alerts from
// report through closure, with SLA escalation and multi-channel paging.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/api"
	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/console"
	"github.com/linnemanlabs/lifeline/internal/escalation"
	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/policy"
	"github.com/linnemanlabs/lifeline/internal/postgres"
	"github.com/linnemanlabs/lifeline/internal/sla"
)

const appName = "lifeline"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var c settings
	showVersion := c.register(flag.CommandLine)
	flag.Parse()
	if *showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// .env seeds the environment, then LIFELINE_* fills any flag not given on the command line
	if err := loadDotEnv(".env"); err != nil {
		return err
	}
	cfg.FillFromEnv(flag.CommandLine, "LIFELINE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := c.validate(); err != nil {
		return err
	}
	appCfg, httpmwCfg, logCfg, opsCfg, profCfg, traceCfg := &c.app, &c.httpmw, &c.log, &c.ops, &c.prof, &c.trace
	operators, err := appCfg.Operators()
	if err != nil {
		return err
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting lifeline",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"storage", storageKind(appCfg),
		"policy_file", appCfg.PolicyFile,
		"operators", len(operators),
		"alert_tick", appCfg.AlertInterval().String(),
		"incident_tick", appCfg.IncidentInterval().String(),
		"enable_tracing", traceCfg.EnableTracing,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}
	profiling := profErr == nil && profCfg.EnablePyroscope

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	if profiling {
		// spans carry the pyroscope profile id
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifeline_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	pol, err := policy.Load(appCfg.PolicyFile)
	if err != nil {
		return err
	}

	stores, err := openStores(ctx, appCfg, L)
	if err != nil {
		return err
	}
	defer stores.close()

	notifyMetrics := notify.NewMetrics(m.Registry())
	channels, err := buildChannels(ctx, appCfg, L)
	if err != nil {
		return err
	}
	dedup, closeDedup, err := buildDeduper(ctx, appCfg, L)
	if err != nil {
		return err
	}
	defer closeDedup()
	fanout := notify.NewFanout(channels, dedup, fanoutConfig(appCfg), L, notifyMetrics)
	warnUnroutable(ctx, L, pol, fanout.Channels())

	hub := console.NewHub(appCfg.Origins(), L)
	defer hub.Close()
	cue := notify.NewCue(dedup, hub, L, notifyMetrics)

	registry := incident.NewRegistry(stores.incidents, incident.Config{
		SLA:       pol.SLA,
		Templates: pol.Checklists,
		ApprovalRequired: func(typ incident.Type, sev sla.Severity) bool {
			return pol.Approval.Required(string(typ), sev)
		},
		DefaultRole: func(typ incident.Type) string {
			return pol.IncidentRole(string(typ))
		},
	}, L, incident.NewMetrics(m.Registry()))

	alertCfg := alert.Config{
		SLA:                        pol.SLA,
		OperatorRole:               pol.Roles.AlertOperator,
		ContactChannels:            pol.Channels.Contacts,
		RoleChannels:               pol.Channels.Roles,
		ExternalChannels:           pol.Channels.External,
		ExternalServiceMinSeverity: pol.Alerts.ExternalServiceMinSeverity,
		Cue:                        cue,
	}
	if g := buildGeocoder(ctx, appCfg, L); g != nil {
		alertCfg.Geocoder = g
	}
	dispatcher := alert.NewDispatcher(stores.alerts, fanout, pol.Directory, alertCfg, L, alert.NewMetrics(m.Registry()))

	scheduler := escalation.New(registry, dispatcher, fanout, pol.Directory, escalation.Config{
		AlertInterval:    appCfg.AlertInterval(),
		IncidentInterval: appCfg.IncidentInterval(),
		Chain:            pol.Escalation.Chain,
		ReAlertThreshold: pol.Escalation.ReAlertThreshold,
		Channels:         pol.Channels.Roles,
		AlertRole:        pol.Roles.AlertOperator,
	}, L, escalation.NewMetrics(m.Registry()))

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = scheduler.Run(schedCtx)
	}()

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// the ops listener is internal only; it refuses public and proxied clients
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	lifelineAPI := api.New(L, api.Deps{
		Incidents:  registry,
		Checklists: incident.NewChecklists(registry),
		Alerts:     dispatcher,
		Health:     fanout,
		Console:    hub,
	})
	r := newRouter(func(r chi.Router) {
		r.Get("/-/healthy", health.HealthzHandler(liveness))
		r.Get("/-/ready", health.ReadyzHandler(readiness))
		lifelineAPI.RegisterRoutes(r, authmw.Operators(operators))
	})
	h := wrapHandler(r, L, m.Middleware, httpmw.ClientIPOptions{TrustedHops: httpmwCfg.TrustedProxyHops})

	apiOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// not fatal, systemd falls back to its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// readiness fails first so the load balancer stops routing before listeners close
	gate.Set("draining")
	drain(bg, L, time.Duration(appCfg.DrainSeconds)*time.Second)

	stopAll(bg, L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"api http server", apiHTTPStop},
		{"escalation scheduler", func(ctx context.Context) error {
			stopScheduler()
			return waitDone(ctx, schedDone)
		}},
		{"alert pipelines", func(ctx context.Context) error {
			return waitFunc(ctx, dispatcher.Wait)
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	})

	L.Info(bg, "shutdown complete")
	return nil
}

// loadDotEnv seeds the environment from path when it exists.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// waitDone blocks until done is closed or ctx expires.
func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitFunc runs a blocking wait in the background and bounds it by ctx.
func waitFunc(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	return waitDone(ctx, done)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
