//go:build postgres

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// NewPostgresStore creates a store with its own connection pool and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool, ownPool: true}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool creates a store using an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, ownPool: false}
}

// Pool exposes the underlying pool so other subsystems (e.g. the audit
// recorder) can share the same database.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool if this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT,
			password_hash BYTEA,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_login_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email <> '';
		CREATE TABLE IF NOT EXISTS provider_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			external_user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			id_token TEXT NOT NULL,
			refresh_token TEXT,
			expiration_time TIMESTAMPTZ NOT NULL,
			refresh_expiration_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (external_user_id, provider),
			UNIQUE (user_id, provider)
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidRecord
	}
	return insertUserPg(ctx, s.pool, user)
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertUserPg(ctx context.Context, ex pgExecer, user *User) error {
	_, err := ex.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.Active,
		user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
	)
	if err != nil {
		if pgIsUnique(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func insertTokenPg(ctx context.Context, ex pgExecer, token *ProviderToken) error {
	if token == nil || token.ID == "" || token.UserID == "" || token.ExternalUserID == "" || token.Provider == "" {
		return ErrInvalidRecord
	}
	_, err := ex.Exec(ctx, `
		INSERT INTO provider_tokens (id, user_id, external_user_id, provider, access_token, id_token, refresh_token, expiration_time, refresh_expiration_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		token.ID, token.UserID, token.ExternalUserID, token.Provider,
		token.AccessToken, token.IDToken, token.RefreshToken,
		token.ExpirationTime.UTC(), pgNullTime(token.RefreshExpirationTime),
		token.CreatedAt.UTC(), token.UpdatedAt.UTC(),
	)
	if err != nil {
		if pgIsUnique(err) {
			return ErrTokenExists
		}
		return fmt.Errorf("insert provider token: %w", err)
	}
	return nil
}

const userSelectPg = `
	SELECT id, username, COALESCE(email, ''), password_hash, active, created_at, updated_at, last_login_at
	FROM users`

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUserPg(s.pool.QueryRow(ctx, userSelectPg+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	return scanUserPg(s.pool.QueryRow(ctx, userSelectPg+` WHERE email = $1`, email))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUserPg(s.pool.QueryRow(ctx, userSelectPg+` WHERE username = $1`, username))
}

func scanUserPg(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, t.UTC(), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) CreateUserWithToken(ctx context.Context, user *User, token *ProviderToken) error {
	if user == nil || token == nil {
		return ErrInvalidRecord
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertUserPg(ctx, tx, user); err != nil {
			return err
		}
		return insertTokenPg(ctx, tx, token)
	})
}

func (s *PostgresStore) CreateToken(ctx context.Context, token *ProviderToken) error {
	return insertTokenPg(ctx, s.pool, token)
}

func (s *PostgresStore) UpdateToken(ctx context.Context, token *ProviderToken) error {
	if token == nil || token.ID == "" {
		return ErrInvalidRecord
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE provider_tokens
		SET access_token = $1, id_token = $2, refresh_token = $3, expiration_time = $4, refresh_expiration_time = $5, updated_at = $6
		WHERE id = $7`,
		token.AccessToken, token.IDToken, token.RefreshToken,
		token.ExpirationTime.UTC(), pgNullTime(token.RefreshExpirationTime),
		token.UpdatedAt.UTC(), token.ID,
	)
	if err != nil {
		return fmt.Errorf("update provider token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

const tokenSelectPg = `
	SELECT id, user_id, external_user_id, provider, access_token, id_token, COALESCE(refresh_token, ''), expiration_time, refresh_expiration_time, created_at, updated_at
	FROM provider_tokens`

func (s *PostgresStore) GetTokenBySubject(ctx context.Context, externalUserID, provider string) (*ProviderToken, error) {
	row := s.pool.QueryRow(ctx, tokenSelectPg+` WHERE external_user_id = $1 AND provider = $2`, externalUserID, provider)
	t, err := scanTokenPg(row)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTokenPg(row pgx.Row) (*ProviderToken, error) {
	var t ProviderToken
	err := row.Scan(&t.ID, &t.UserID, &t.ExternalUserID, &t.Provider, &t.AccessToken, &t.IDToken,
		&t.RefreshToken, &t.ExpirationTime, &t.RefreshExpirationTime, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ListUserTokens(ctx context.Context, userID, provider string) ([]*ProviderToken, error) {
	rows, err := s.pool.Query(ctx, tokenSelectPg+` WHERE user_id = $1 AND provider = $2 ORDER BY created_at`, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("query provider tokens: %w", err)
	}
	defer rows.Close()

	var result []*ProviderToken
	for rows.Next() {
		var t ProviderToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.ExternalUserID, &t.Provider, &t.AccessToken, &t.IDToken,
			&t.RefreshToken, &t.ExpirationTime, &t.RefreshExpirationTime, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider token: %w", err)
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteToken(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM provider_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func pgNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// pgIsUnique checks for a PostgreSQL unique constraint violation (23505).
func pgIsUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
