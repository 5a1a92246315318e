//go:build sqlite

package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dsn and ensures the
// schema exists.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection so other subsystems (e.g. the audit
// recorder) can share the same database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT,
			password_hash BLOB,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_login_at TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email != '';
		CREATE TABLE IF NOT EXISTS provider_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			external_user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			id_token TEXT NOT NULL,
			refresh_token TEXT,
			expiration_time TEXT NOT NULL,
			refresh_expiration_time TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (external_user_id, provider),
			UNIQUE (user_id, provider)
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidRecord
	}
	return s.insertUser(ctx, s.db, user)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertUser(ctx context.Context, ex execer, user *User) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID, user.Username, user.Email, user.PasswordHash, sqliteBool(user.Active),
		user.CreatedAt.UTC().Format(time.RFC3339Nano), user.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if sqliteIsUnique(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertToken(ctx context.Context, ex execer, token *ProviderToken) error {
	if token == nil || token.ID == "" || token.UserID == "" || token.ExternalUserID == "" || token.Provider == "" {
		return ErrInvalidRecord
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO provider_tokens (id, user_id, external_user_id, provider, access_token, id_token, refresh_token, expiration_time, refresh_expiration_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		token.ID, token.UserID, token.ExternalUserID, token.Provider,
		token.AccessToken, token.IDToken, token.RefreshToken,
		token.ExpirationTime.UTC().Format(time.RFC3339Nano), sqliteNullTime(token.RefreshExpirationTime),
		token.CreatedAt.UTC().Format(time.RFC3339Nano), token.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if sqliteIsUnique(err) {
			return ErrTokenExists
		}
		return fmt.Errorf("insert provider token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = ?`, id))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE email = ?`, email))
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE username = ?`, username))
}

const userSelect = `
	SELECT id, username, email, password_hash, active, created_at, updated_at, last_login_at
	FROM users`

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var (
		u                    User
		email                sql.NullString
		active               int
		createdAt, updatedAt string
		lastLoginAt          sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &active, &createdAt, &updatedAt, &lastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Email = email.String
	u.Active = active != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastLoginAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastLoginAt.String)
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s *SQLiteStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`,
		t.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateUserWithToken(ctx context.Context, user *User, token *ProviderToken) error {
	if user == nil || token == nil {
		return ErrInvalidRecord
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertUser(ctx, tx, user); err != nil {
		return err
	}
	if err := s.insertToken(ctx, tx, token); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateToken(ctx context.Context, token *ProviderToken) error {
	return s.insertToken(ctx, s.db, token)
}

func (s *SQLiteStore) UpdateToken(ctx context.Context, token *ProviderToken) error {
	if token == nil || token.ID == "" {
		return ErrInvalidRecord
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE provider_tokens
		SET access_token = ?, id_token = ?, refresh_token = ?, expiration_time = ?, refresh_expiration_time = ?, updated_at = ?
		WHERE id = ?
	`,
		token.AccessToken, token.IDToken, token.RefreshToken,
		token.ExpirationTime.UTC().Format(time.RFC3339Nano), sqliteNullTime(token.RefreshExpirationTime),
		token.UpdatedAt.UTC().Format(time.RFC3339Nano), token.ID,
	)
	if err != nil {
		return fmt.Errorf("update provider token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *SQLiteStore) GetTokenBySubject(ctx context.Context, externalUserID, provider string) (*ProviderToken, error) {
	row := s.db.QueryRowContext(ctx, tokenSelect+` WHERE external_user_id = ? AND provider = ?`, externalUserID, provider)
	return s.scanToken(row)
}

const tokenSelect = `
	SELECT id, user_id, external_user_id, provider, access_token, id_token, refresh_token, expiration_time, refresh_expiration_time, created_at, updated_at
	FROM provider_tokens`

func (s *SQLiteStore) scanToken(row *sql.Row) (*ProviderToken, error) {
	var (
		t                           ProviderToken
		refreshToken                sql.NullString
		expiration                  string
		refreshExpiration           sql.NullString
		createdAt, updatedAt        string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.ExternalUserID, &t.Provider, &t.AccessToken, &t.IDToken,
		&refreshToken, &expiration, &refreshExpiration, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider token: %w", err)
	}
	t.RefreshToken = refreshToken.String
	t.ExpirationTime, _ = time.Parse(time.RFC3339Nano, expiration)
	if refreshExpiration.Valid {
		exp, _ := time.Parse(time.RFC3339Nano, refreshExpiration.String)
		t.RefreshExpirationTime = &exp
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func (s *SQLiteStore) ListUserTokens(ctx context.Context, userID, provider string) ([]*ProviderToken, error) {
	rows, err := s.db.QueryContext(ctx, tokenSelect+` WHERE user_id = ? AND provider = ? ORDER BY created_at`, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("query provider tokens: %w", err)
	}
	defer rows.Close()

	var result []*ProviderToken
	for rows.Next() {
		var (
			t                    ProviderToken
			refreshToken         sql.NullString
			expiration           string
			refreshExpiration    sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.ExternalUserID, &t.Provider, &t.AccessToken, &t.IDToken,
			&refreshToken, &expiration, &refreshExpiration, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan provider token: %w", err)
		}
		t.RefreshToken = refreshToken.String
		t.ExpirationTime, _ = time.Parse(time.RFC3339Nano, expiration)
		if refreshExpiration.Valid {
			exp, _ := time.Parse(time.RFC3339Nano, refreshExpiration.String)
			t.RefreshExpirationTime = &exp
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		result = append(result, &t)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete provider token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func sqliteBool(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqliteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// sqliteIsUnique checks if the error is a SQLite UNIQUE constraint violation.
func sqliteIsUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
