package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testUser(id, username, email string) *User {
	now := time.Now().UTC()
	return &User{
		ID:        id,
		Username:  username,
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testToken(id, userID, externalID, provider string) *ProviderToken {
	now := time.Now().UTC()
	return &ProviderToken{
		ID:             id,
		UserID:         userID,
		ExternalUserID: externalID,
		Provider:       provider,
		AccessToken:    "at-" + id,
		IDToken:        "idt-" + id,
		ExpirationTime: now.Add(time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemoryStoreUserLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	u := testUser("u1", "alice", "alice@example.org")
	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := store.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got == nil || got.Username != "alice" {
		t.Fatalf("GetUserByID = %+v", got)
	}

	if got, _ := store.GetUserByEmail(ctx, "alice@example.org"); got == nil || got.ID != "u1" {
		t.Errorf("GetUserByEmail = %+v", got)
	}
	if got, _ := store.GetUserByUsername(ctx, "alice"); got == nil || got.ID != "u1" {
		t.Errorf("GetUserByUsername = %+v", got)
	}

	// Absent lookups return nil without error.
	if got, err := store.GetUserByID(ctx, "nope"); err != nil || got != nil {
		t.Errorf("GetUserByID(nope) = %+v, %v", got, err)
	}
	if got, err := store.GetUserByEmail(ctx, "nope@example.org"); err != nil || got != nil {
		t.Errorf("GetUserByEmail(nope) = %+v, %v", got, err)
	}
}

func TestMemoryStoreUserUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateUser(ctx, testUser("u1", "alice", "alice@example.org")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	cases := []*User{
		testUser("u1", "other", "other@example.org"),   // duplicate ID
		testUser("u2", "alice", "second@example.org"),  // duplicate username
		testUser("u3", "third", "alice@example.org"),   // duplicate email
	}
	for _, c := range cases {
		if err := store.CreateUser(ctx, c); !errors.Is(err, ErrUserExists) {
			t.Errorf("CreateUser(%s) error = %v, want ErrUserExists", c.ID, err)
		}
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateUser(ctx, testUser("u1", "alice", "alice@example.org")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	first, _ := store.GetUserByID(ctx, "u1")
	first.Username = "mutated"

	second, _ := store.GetUserByID(ctx, "u1")
	if second.Username != "alice" {
		t.Errorf("stored user mutated through returned pointer: %q", second.Username)
	}
}

func TestMemoryStoreUpdateLastLogin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.UpdateLastLogin(ctx, "missing", time.Now()); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UpdateLastLogin(missing) error = %v, want ErrUserNotFound", err)
	}

	if err := store.CreateUser(ctx, testUser("u1", "alice", "")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpdateLastLogin(ctx, "u1", at); err != nil {
		t.Fatalf("UpdateLastLogin: %v", err)
	}
	got, _ := store.GetUserByID(ctx, "u1")
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Errorf("LastLoginAt = %v, want %v", got.LastLoginAt, at)
	}
}

func TestMemoryStoreTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateUser(ctx, testUser("u1", "alice", "alice@example.org")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tok := testToken("t1", "u1", "ext-1", "cilogon")
	if err := store.CreateToken(ctx, tok); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := store.GetTokenBySubject(ctx, "ext-1", "cilogon")
	if err != nil {
		t.Fatalf("GetTokenBySubject: %v", err)
	}
	if got == nil || got.ID != "t1" {
		t.Fatalf("GetTokenBySubject = %+v", got)
	}
	// Same subject under a different provider is a different identity.
	if got, _ := store.GetTokenBySubject(ctx, "ext-1", "custos"); got != nil {
		t.Errorf("GetTokenBySubject(other provider) = %+v, want nil", got)
	}

	// Duplicate (subject, provider) pairs are rejected.
	dup := testToken("t2", "u1", "ext-1", "cilogon")
	if err := store.CreateToken(ctx, dup); !errors.Is(err, ErrTokenExists) {
		t.Errorf("CreateToken(duplicate subject) error = %v, want ErrTokenExists", err)
	}

	tok.AccessToken = "rotated"
	if err := store.UpdateToken(ctx, tok); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	got, _ = store.GetTokenBySubject(ctx, "ext-1", "cilogon")
	if got.AccessToken != "rotated" {
		t.Errorf("AccessToken = %q after update", got.AccessToken)
	}

	list, err := store.ListUserTokens(ctx, "u1", "cilogon")
	if err != nil {
		t.Fatalf("ListUserTokens: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListUserTokens = %d records, want 1", len(list))
	}

	if err := store.DeleteToken(ctx, "t1"); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if got, _ := store.GetTokenBySubject(ctx, "ext-1", "cilogon"); got != nil {
		t.Errorf("token still resolvable after delete: %+v", got)
	}
	if err := store.DeleteToken(ctx, "t1"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("DeleteToken(gone) error = %v, want ErrTokenNotFound", err)
	}
}

func TestMemoryStoreSubjectReusableAfterDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateToken(ctx, testToken("t1", "u1", "ext-1", "cilogon")); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if err := store.DeleteToken(ctx, "t1"); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if err := store.CreateToken(ctx, testToken("t2", "u2", "ext-1", "cilogon")); err != nil {
		t.Fatalf("CreateToken after delete: %v", err)
	}
}

func TestMemoryStoreCreateUserWithTokenAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Occupy the (subject, provider) slot so the token write must fail.
	if err := store.CreateToken(ctx, testToken("t1", "u0", "ext-1", "cilogon")); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	u := testUser("u1", "alice", "alice@example.org")
	err := store.CreateUserWithToken(ctx, u, testToken("t2", "u1", "ext-1", "cilogon"))
	if !errors.Is(err, ErrTokenExists) {
		t.Fatalf("CreateUserWithToken error = %v, want ErrTokenExists", err)
	}

	// The user write rolled back with the failed token write.
	if got, _ := store.GetUserByID(ctx, "u1"); got != nil {
		t.Errorf("user persisted despite failed token write: %+v", got)
	}
	if got, _ := store.GetUserByUsername(ctx, "alice"); got != nil {
		t.Errorf("username index retained rolled-back user: %+v", got)
	}
	if got, _ := store.GetUserByEmail(ctx, "alice@example.org"); got != nil {
		t.Errorf("email index retained rolled-back user: %+v", got)
	}

	// The same inputs succeed once the conflict is gone.
	if err := store.DeleteToken(ctx, "t1"); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if err := store.CreateUserWithToken(ctx, u, testToken("t2", "u1", "ext-1", "cilogon")); err != nil {
		t.Fatalf("CreateUserWithToken retry: %v", err)
	}
	if got, _ := store.GetTokenBySubject(ctx, "ext-1", "cilogon"); got == nil || got.UserID != "u1" {
		t.Errorf("GetTokenBySubject after retry = %+v", got)
	}
}

func TestMemoryStoreInvalidRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateUser(ctx, &User{ID: "u1"}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("CreateUser(no username) error = %v, want ErrInvalidRecord", err)
	}
	if err := store.CreateToken(ctx, &ProviderToken{ID: "t1"}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("CreateToken(incomplete) error = %v, want ErrInvalidRecord", err)
	}
	if err := store.UpdateToken(ctx, testToken("missing", "u1", "ext-1", "cilogon")); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("UpdateToken(missing) error = %v, want ErrTokenNotFound", err)
	}
}
