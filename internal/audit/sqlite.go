//go:build sqlite

package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // CGO-less SQLite driver
)

// SQLiteRecorder is a SQLite-backed implementation of Recorder.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder creates a SQLite-backed audit recorder.
func NewSQLiteRecorder(dsn string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &SQLiteRecorder{db: db}
	if err := r.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewSQLiteRecorderFromDB creates an audit recorder sharing an existing DB
// connection, typically the main store's.
func NewSQLiteRecorderFromDB(db *sql.DB) (*SQLiteRecorder, error) {
	r := &SQLiteRecorder{db: db}
	if err := r.ensureSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRecorder) ensureSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id               TEXT PRIMARY KEY,
			timestamp        TEXT NOT NULL,
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

// Close closes the database connection.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// Record stores an audit event.
func (r *SQLiteRecorder) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, action, provider, user_id, external_user_id, request_id, ip_address, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp.Format(time.RFC3339Nano),
		event.Action,
		event.Provider,
		sqliteAuditNull(event.UserID),
		sqliteAuditNull(event.ExternalUserID),
		sqliteAuditNull(event.RequestID),
		sqliteAuditNull(event.IPAddress),
		sqliteAuditNull(event.Detail),
	)
	return err
}

// List retrieves audit events with optional filtering.
func (r *SQLiteRecorder) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	where := "1=1"
	args := []any{}

	if opts.Action != "" {
		where += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Provider != "" {
		where += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, opts.Since.Format(time.RFC3339Nano))
	}
	if opts.Until != nil {
		where += " AND timestamp <= ?"
		args = append(args, opts.Until.Format(time.RFC3339Nano))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	query := "SELECT id, timestamp, action, provider, user_id, external_user_id, request_id, ip_address, detail FROM audit_events WHERE " + where + " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanAuditRow(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// ListByUser retrieves all events for a local user.
func (r *SQLiteRecorder) ListByUser(ctx context.Context, userID string) ([]*Event, error) {
	events, _, err := r.List(ctx, ListOptions{UserID: userID, Limit: 1000})
	return events, err
}

func scanAuditRow(rows *sql.Rows) (*Event, error) {
	var e Event
	var timestamp string
	var userID, externalUserID, requestID, ipAddress, detail sql.NullString

	if err := rows.Scan(&e.ID, &timestamp, &e.Action, &e.Provider, &userID, &externalUserID, &requestID, &ipAddress, &detail); err != nil {
		return nil, err
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	e.UserID = userID.String
	e.ExternalUserID = externalUserID.String
	e.RequestID = requestID.String
	e.IPAddress = ipAddress.String
	e.Detail = detail.String
	return &e, nil
}

func sqliteAuditNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
