package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/store"
)

var terminalAlertStatuses = []string{string(alert.StatusResolved), string(alert.StatusFalseAlarm)}

// likeEscaper quotes ILIKE wildcards in user search text.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Alerts persists emergency alerts and their location trails.
type Alerts struct {
	pool *pgxpool.Pool
}

// Get retrieves an alert and its full trail.
func (s *Alerts) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Alerts.Get", "SELECT")
	defer span.End()

	var (
		doc     []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `SELECT doc, version FROM alerts WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select alert %s: %w", id, err))
	}

	a, err := decodeAlert(doc, version)
	if err != nil {
		return nil, false, fail(span, err)
	}
	trails, err := s.loadTrails(ctx, []string{id})
	if err != nil {
		return nil, false, fail(span, err)
	}
	a.LocationTrail = trails[id]
	return a, true, nil
}

// Create inserts the alert together with its initial trail points.
func (s *Alerts) Create(ctx context.Context, a *alert.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Alerts.Create", "INSERT")
	defer span.End()

	doc, err := encodeAlert(a)
	if err != nil {
		return fail(span, err)
	}
	var head *time.Time
	if p, ok := a.LastPoint(); ok {
		head = &p.RecordedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO alerts (id, sos_code, reporter_id, emergency_type, status, triggered_at, updated_at, last_recorded_at, version, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.SOSCode, a.Reporter.ID, a.EmergencyType, string(a.Status),
		a.TriggeredAt, a.UpdatedAt, head, a.Version, doc,
	)
	if isUniqueViolation(err) {
		return fail(span, fmt.Errorf("alert %s already exists", a.ID))
	}
	if err != nil {
		return fail(span, fmt.Errorf("insert alert: %w", err))
	}

	for _, p := range a.LocationTrail {
		if err := insertPoint(ctx, tx, a.ID, p); err != nil {
			return fail(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Update writes a if the stored version is still expectedVersion. The
// trail table is never touched.
func (s *Alerts) Update(ctx context.Context, a *alert.Alert, expectedVersion int64) error {
	ctx, span := startSpan(ctx, "pgstore.Alerts.Update", "UPDATE")
	defer span.End()

	doc, err := encodeAlert(a)
	if err != nil {
		return fail(span, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts
		    SET status = $3, updated_at = $4, version = $5, doc = $6
		  WHERE id = $1 AND version = $2`,
		a.ID, expectedVersion, string(a.Status), a.UpdatedAt, a.Version, doc,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update alert: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return fail(span, fmt.Errorf("check alert %s: %w", a.ID, err))
	}
	if !exists {
		return fail(span, fmt.Errorf("%w: %s", alert.ErrNotFound, a.ID))
	}
	return fail(span, store.ErrConflict)
}

// AppendLocation locks the alert row, checks it is still live and that p
// is not older than the trail head, then appends p. The row lock orders
// the append against concurrent status updates.
func (s *Alerts) AppendLocation(ctx context.Context, id string, p alert.Point) error {
	ctx, span := startSpan(ctx, "pgstore.Alerts.AppendLocation", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var (
		status string
		head   *time.Time
	)
	err = tx.QueryRow(ctx, `SELECT status, last_recorded_at FROM alerts WHERE id = $1 FOR UPDATE`, id).Scan(&status, &head)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", alert.ErrNotFound, id)
	}
	if err != nil {
		return fail(span, fmt.Errorf("lock alert %s: %w", id, err))
	}
	if alert.Status(status).Terminal() {
		return fmt.Errorf("%w: %s is %s", alert.ErrAlertTerminal, id, status)
	}
	if head != nil && p.RecordedAt.Before(*head) {
		return alert.ErrStaleLocation
	}

	if err := insertPoint(ctx, tx, id, p); err != nil {
		return fail(span, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE alerts SET last_recorded_at = $2 WHERE id = $1`, id, p.RecordedAt); err != nil {
		return fail(span, fmt.Errorf("advance trail head: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// List returns matching alerts with their trails, newest first.
func (s *Alerts) List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.Alerts.List", "SELECT")
	defer span.End()

	q := `SELECT doc, version FROM alerts WHERE true`
	var args []any
	if len(f.Statuses) > 0 {
		args = append(args, statusStrings(f.Statuses))
		q += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if f.ActiveOnly {
		args = append(args, terminalAlertStatuses)
		q += fmt.Sprintf(` AND NOT (status = ANY($%d))`, len(args))
	}
	if f.ReporterID != "" {
		args = append(args, f.ReporterID)
		q += fmt.Sprintf(` AND reporter_id = $%d`, len(args))
	}
	if f.EmergencyType != "" {
		args = append(args, f.EmergencyType)
		q += fmt.Sprintf(` AND emergency_type = $%d`, len(args))
	}
	if f.Severity != 0 {
		args = append(args, f.Severity)
		q += fmt.Sprintf(` AND (doc->>'severity')::int = $%d`, len(args))
	}
	if f.MinSeverity != 0 {
		args = append(args, f.MinSeverity)
		q += fmt.Sprintf(` AND (doc->>'severity')::int >= $%d`, len(args))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+likeEscaper.Replace(s)+"%")
		q += fmt.Sprintf(` AND concat_ws(' ', id, sos_code, reporter_id, doc->'reporter'->>'name', doc->>'description') ILIKE $%d`, len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		q += fmt.Sprintf(` AND triggered_at >= $%d`, len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		q += fmt.Sprintf(` AND triggered_at < $%d`, len(args))
	}
	q += ` ORDER BY triggered_at DESC, id DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	var (
		out []*alert.Alert
		ids []string
	)
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			rows.Close()
			return nil, fail(span, fmt.Errorf("scan alert: %w", err))
		}
		a, err := decodeAlert(doc, version)
		if err != nil {
			rows.Close()
			return nil, fail(span, err)
		}
		out = append(out, a)
		ids = append(ids, a.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	if len(ids) == 0 {
		return out, nil
	}

	trails, err := s.loadTrails(ctx, ids)
	if err != nil {
		return nil, fail(span, err)
	}
	for _, a := range out {
		a.LocationTrail = trails[a.ID]
	}
	return out, nil
}

func (s *Alerts) loadTrails(ctx context.Context, ids []string) (map[string][]alert.Point, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT alert_id, lat, lon, accuracy, speed, recorded_at
		   FROM alert_locations WHERE alert_id = ANY($1) ORDER BY alert_id, seq`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query trail: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]alert.Point, len(ids))
	for rows.Next() {
		var (
			id string
			p  alert.Point
		)
		if err := rows.Scan(&id, &p.Lat, &p.Lon, &p.Accuracy, &p.Speed, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan trail point: %w", err)
		}
		out[id] = append(out[id], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trail: %w", err)
	}
	return out, nil
}

func insertPoint(ctx context.Context, tx pgx.Tx, id string, p alert.Point) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO alert_locations (alert_id, lat, lon, accuracy, speed, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, p.Lat, p.Lon, p.Accuracy, p.Speed, p.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trail point: %w", err)
	}
	return nil
}

// encodeAlert marshals a without its trail; the trail has its own table.
func encodeAlert(a *alert.Alert) ([]byte, error) {
	cp := *a
	cp.LocationTrail = nil
	doc, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	return doc, nil
}

func decodeAlert(doc []byte, version int64) (*alert.Alert, error) {
	var a alert.Alert
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	a.Version = version
	a.LocationTrail = nil
	return &a, nil
}
