package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/store"
)

// Incidents persists incidents.
type Incidents struct {
	pool *pgxpool.Pool
}

// Get retrieves an incident by ID.
func (s *Incidents) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Incidents.Get", "SELECT")
	defer span.End()

	var (
		doc     []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `SELECT doc, version FROM incidents WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select incident %s: %w", id, err))
	}

	inc, err := decodeIncident(doc, version)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return inc, true, nil
}

// Create inserts a new incident.
func (s *Incidents) Create(ctx context.Context, inc *incident.Incident) error {
	ctx, span := startSpan(ctx, "pgstore.Incidents.Create", "INSERT")
	defer span.End()

	doc, err := json.Marshal(inc)
	if err != nil {
		return fail(span, fmt.Errorf("marshal incident: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO incidents (id, type, severity, status, created_at, updated_at, version, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inc.ID, string(inc.Type), string(inc.Severity), string(inc.Status),
		inc.CreatedAt, inc.UpdatedAt, inc.Version, doc,
	)
	if isUniqueViolation(err) {
		return fail(span, fmt.Errorf("incident %s already exists", inc.ID))
	}
	if err != nil {
		return fail(span, fmt.Errorf("insert incident: %w", err))
	}
	return nil
}

// Update writes inc if the stored version is still expectedVersion.
func (s *Incidents) Update(ctx context.Context, inc *incident.Incident, expectedVersion int64) error {
	ctx, span := startSpan(ctx, "pgstore.Incidents.Update", "UPDATE")
	defer span.End()

	doc, err := json.Marshal(inc)
	if err != nil {
		return fail(span, fmt.Errorf("marshal incident: %w", err))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents
		    SET severity = $3, status = $4, updated_at = $5, version = $6, doc = $7
		  WHERE id = $1 AND version = $2`,
		inc.ID, expectedVersion, string(inc.Severity), string(inc.Status), inc.UpdatedAt, inc.Version, doc,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update incident: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return fail(span, s.missOrConflict(ctx, inc.ID))
}

func (s *Incidents) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check incident %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	return store.ErrConflict
}

// List returns matching incidents, newest first. Status filters run in SQL;
// the remaining predicates are applied by Filter.Match.
func (s *Incidents) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Incidents.List", "SELECT")
	defer span.End()

	q := `SELECT doc, version FROM incidents WHERE true`
	var args []any
	if len(f.Statuses) > 0 {
		args = append(args, statusStrings(f.Statuses))
		q += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.ActiveOnly {
		args = append(args, string(incident.StatusClosed))
		q += fmt.Sprintf(` AND status <> $%d`, len(args))
	}
	if !f.CreatedFrom.IsZero() {
		args = append(args, f.CreatedFrom)
		q += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !f.CreatedTo.IsZero() {
		args = append(args, f.CreatedTo)
		q += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fail(span, fmt.Errorf("scan incident: %w", err))
		}
		inc, err := decodeIncident(doc, version)
		if err != nil {
			return nil, fail(span, err)
		}
		if !f.Match(inc) {
			continue
		}
		out = append(out, inc)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

func decodeIncident(doc []byte, version int64) (*incident.Incident, error) {
	var inc incident.Incident
	if err := json.Unmarshal(doc, &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	inc.Version = version
	return &inc, nil
}

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
