package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/alert"
	lc "github.com/linnemanlabs/lifeline/internal/cfg"
	"github.com/linnemanlabs/lifeline/internal/geocode"
	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/notify/apns"
	"github.com/linnemanlabs/lifeline/internal/notify/fcm"
	"github.com/linnemanlabs/lifeline/internal/notify/redisdedup"
	"github.com/linnemanlabs/lifeline/internal/notify/slack"
	"github.com/linnemanlabs/lifeline/internal/notify/sns"
	"github.com/linnemanlabs/lifeline/internal/notify/twilio"
	"github.com/linnemanlabs/lifeline/internal/policy"
	"github.com/linnemanlabs/lifeline/internal/postgres"
	"github.com/linnemanlabs/lifeline/internal/store/memstore"
	"github.com/linnemanlabs/lifeline/internal/store/pgstore"
)

type stores struct {
	incidents incident.Store
	alerts    alert.Store
	close     func()
}

// openStores returns the postgres stores when a database is configured and
// the in-memory stores otherwise.
func openStores(ctx context.Context, c *lc.Config, L log.Logger) (*stores, error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return &stores{
			incidents: memstore.NewIncidents(),
			alerts:    memstore.NewAlerts(),
			close:     func() {},
		}, nil
	}

	if c.AutoMigrate {
		if err := pgstore.Migrate(c.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		L.Info(ctx, "database schema up to date")
	}
	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolConfig{
		MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded to 0..1000 by Validate
		SlowQuery: c.SlowQuery(),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	st := pgstore.New(pool)
	L.Info(ctx, "using postgres store")
	return &stores{incidents: st.Incidents, alerts: st.Alerts, close: st.Close}, nil
}

// buildChannels constructs every provider whose credentials are configured.
func buildChannels(ctx context.Context, c *lc.Config, L log.Logger) ([]notify.Channel, error) {
	var out []notify.Channel

	if c.SlackWebhookURL != "" {
		out = append(out, slack.New(c.SlackWebhookURL, L))
	}
	if c.TwilioAccountSID != "" {
		client := twilio.NewClient(twilio.Config{
			AccountSID: c.TwilioAccountSID,
			AuthToken:  c.TwilioAuthToken,
			From:       c.TwilioFrom,
		})
		out = append(out, twilio.NewSMS(client, c.TwilioFrom), twilio.NewVoice(client, c.TwilioFrom))
	}
	if c.FCMCredentialsFile != "" {
		client, err := fcm.NewClient(ctx, c.FCMCredentialsFile)
		if err != nil {
			return nil, err
		}
		out = append(out, fcm.New(client))
	}
	if c.APNsKeyFile != "" {
		client, err := apns.NewClient(apns.Config{
			KeyFile:    c.APNsKeyFile,
			KeyID:      c.APNsKeyID,
			TeamID:     c.APNsTeamID,
			Topic:      c.APNsTopic,
			Production: c.APNsProduction,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, apns.New(client, c.APNsTopic))
	}
	if c.SNSRegion != "" {
		client, err := sns.NewClient(ctx, c.SNSRegion)
		if err != nil {
			return nil, err
		}
		out = append(out, sns.New(client))
	}

	names := make([]string, 0, len(out))
	for _, ch := range out {
		names = append(names, ch.Name())
	}
	L.Info(ctx, "notification channels configured", "channels", names)
	return out, nil
}

func fanoutConfig(c *lc.Config) notify.FanoutConfig {
	return notify.FanoutConfig{
		MaxAttempts:    c.NotifyMaxAttempts,
		InitialBackoff: c.NotifyBackoff(),
		MaxBackoff:     c.NotifyMaxBackoff(),
		AttemptTimeout: c.NotifyAttemptTimeout(),
		Cooldown:       c.NotifyCooldown(),
		Parallelism:    c.NotifyParallelism,
	}
}

// buildDeduper returns the Redis deduper when configured. An unreachable
// Redis at startup degrades to the in-process deduper rather than keeping
// the pager down.
func buildDeduper(ctx context.Context, c *lc.Config, L log.Logger) (notify.Deduper, func(), error) {
	if c.RedisAddr == "" {
		return notify.NewMemoryDeduper(nil), func() {}, nil
	}
	d, err := redisdedup.New(ctx, redisdedup.Config{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	if err != nil {
		L.Warn(ctx, "redis dedup unavailable, falling back to in-process dedup", "redis_addr", c.RedisAddr, "error", err)
		return notify.NewMemoryDeduper(nil), func() {}, nil
	}
	L.Info(ctx, "using redis notification dedup", "redis_addr", c.RedisAddr)
	return d, func() { _ = d.Close() }, nil
}

// buildGeocoder returns nil when no Maps key is configured.
func buildGeocoder(ctx context.Context, c *lc.Config, L log.Logger) alert.Geocoder {
	if c.GoogleMapsAPIKey == "" {
		return nil
	}
	g, err := geocode.New(c.GoogleMapsAPIKey)
	if err != nil {
		L.Warn(ctx, "reverse geocoding disabled", "error", err)
		return nil
	}
	return g
}

// warnUnroutable logs policy channels that no provider serves; the fan-out
// skips them at send time.
func warnUnroutable(ctx context.Context, L log.Logger, pol *policy.Policy, configured []string) {
	var missing []string
	for _, chans := range [][]string{pol.Channels.Contacts, pol.Channels.Roles, pol.Channels.External} {
		for _, ch := range chans {
			if !slices.Contains(configured, ch) && !slices.Contains(missing, ch) {
				missing = append(missing, ch)
			}
		}
	}
	if len(missing) > 0 {
		L.Warn(ctx, "policy routes to channels with no provider configured", "channels", missing)
	}
}

// dbRequestStats labels queries with the request method and records the
// per-request query count on the server span.
func dbRequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.WithHTTPMethod(r.Context(), r.Method)
		ctx, stats := postgres.WithRequestStats(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))

		queries, errs, dur := stats.Snapshot()
		if queries == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.query_count", queries),
			attribute.Int("db.query_errors", errs),
			attribute.Int64("db.query_time_ms", dur.Milliseconds()),
		)
	})
}
