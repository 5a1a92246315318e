//go:build postgres

package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRecorder is a PostgreSQL-backed implementation of Recorder.
type PostgresRecorder struct {
	pool    *pgxpool.Pool
	ownPool bool // true if we created the pool and should close it
}

// NewPostgresRecorder creates a recorder with its own connection pool.
func NewPostgresRecorder(ctx context.Context, connStr string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	r := &PostgresRecorder{pool: pool, ownPool: true}
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresRecorderFromPool creates a recorder sharing an existing pool,
// typically the main store's.
func NewPostgresRecorderFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresRecorder, error) {
	r := &PostgresRecorder{pool: pool}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRecorder) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id               TEXT PRIMARY KEY,
			timestamp        TIMESTAMPTZ NOT NULL,
			action           TEXT NOT NULL,
			provider         TEXT NOT NULL,
			user_id          TEXT,
			external_user_id TEXT,
			request_id       TEXT,
			ip_address       TEXT,
			detail           TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_user ON audit_events(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	`)
	return err
}

// Close closes the connection pool if this recorder owns it.
func (r *PostgresRecorder) Close() error {
	if r.ownPool {
		r.pool.Close()
	}
	return nil
}

// Record stores an audit event.
func (r *PostgresRecorder) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_events (id, timestamp, action, provider, user_id, external_user_id, request_id, ip_address, detail)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
	`,
		event.ID, event.Timestamp, event.Action, event.Provider,
		event.UserID, event.ExternalUserID, event.RequestID, event.IPAddress, event.Detail,
	)
	return err
}

// List retrieves audit events with optional filtering.
func (r *PostgresRecorder) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	where := "TRUE"
	args := []any{}

	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if opts.Action != "" {
		where += " AND action = " + arg(opts.Action)
	}
	if opts.Provider != "" {
		where += " AND provider = " + arg(opts.Provider)
	}
	if opts.UserID != "" {
		where += " AND user_id = " + arg(opts.UserID)
	}
	if opts.Since != nil {
		where += " AND timestamp >= " + arg(*opts.Since)
	}
	if opts.Until != nil {
		where += " AND timestamp <= " + arg(*opts.Until)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	query := fmt.Sprintf(
		"SELECT id, timestamp, action, provider, COALESCE(user_id,''), COALESCE(external_user_id,''), COALESCE(request_id,''), COALESCE(ip_address,''), COALESCE(detail,'') FROM audit_events WHERE %s ORDER BY timestamp DESC LIMIT %s OFFSET %s",
		where, arg(opts.Limit), arg(opts.Offset),
	)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.Provider, &e.UserID, &e.ExternalUserID, &e.RequestID, &e.IPAddress, &e.Detail); err != nil {
			return nil, 0, err
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

// ListByUser retrieves all events for a local user.
func (r *PostgresRecorder) ListByUser(ctx context.Context, userID string) ([]*Event, error) {
	events, _, err := r.List(ctx, ListOptions{UserID: userID, Limit: 1000})
	return events, err
}
