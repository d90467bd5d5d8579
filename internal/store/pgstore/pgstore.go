// Package pgstore provides PostgreSQL implementations of incident.Store and
// alert.Store.
//
// Records are kept as a JSONB document next to the columns used for
// filtering and the version used for compare-and-swap updates. An alert's
// location trail lives in its own table and only grows through
// AppendLocation.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/store/pgstore")

//go:embed migrations/*.sql
var migrations embed.FS

// Store bundles both repositories over one pool.
type Store struct {
	pool      *pgxpool.Pool
	Incidents *Incidents
	Alerts    *Alerts
}

// New wraps an open pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:      pool,
		Incidents: &Incidents{pool: pool},
		Alerts:    &Alerts{pool: pool},
	}
}

// Ping checks the database is reachable (used by the readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	url := databaseURL
	if !strings.HasPrefix(url, "pgx5://") {
		url = strings.Replace(url, "postgresql://", "pgx5://", 1)
		url = strings.Replace(url, "postgres://", "pgx5://", 1)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close() //nolint:errcheck // close errors after a completed run are not actionable

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", operation),
	))
}

// fail records err on span and returns it unchanged.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
