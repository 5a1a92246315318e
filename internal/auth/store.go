package auth

import (
	"context"
	"time"
)

// Store defines the persistence contract for users and provider token
// records. Lookup methods return nil, nil when no record matches.
type Store interface {
	// CreateUser stores a new user.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// GetUserByEmail retrieves a user by email (case-sensitive).
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUserByUsername retrieves a user by username (case-sensitive).
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// UpdateLastLogin sets the last_login_at timestamp for a user.
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error

	// CreateUserWithToken stores a new user and their provider token record
	// atomically. Neither record is persisted if either write fails.
	CreateUserWithToken(ctx context.Context, user *User, token *ProviderToken) error

	// CreateToken stores a provider token record for an existing user.
	CreateToken(ctx context.Context, token *ProviderToken) error

	// UpdateToken replaces the stored token material for an existing record.
	UpdateToken(ctx context.Context, token *ProviderToken) error

	// GetTokenBySubject retrieves the record for an external identity.
	GetTokenBySubject(ctx context.Context, externalUserID, provider string) (*ProviderToken, error)

	// ListUserTokens returns all records for a user and provider.
	ListUserTokens(ctx context.Context, userID, provider string) ([]*ProviderToken, error)

	// DeleteToken removes a provider token record by ID.
	DeleteToken(ctx context.Context, id string) error
}
