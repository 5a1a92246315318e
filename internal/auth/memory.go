package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
// Thread-safe; suitable for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User   // keyed by ID
	usernameIndex map[string]string  // username -> ID
	emailIndex    map[string]string  // email -> ID
	tokens        map[string]*ProviderToken // keyed by ID
	subjectIndex  map[string]string  // externalUserID+"\x00"+provider -> token ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		usernameIndex: make(map[string]string),
		emailIndex:    make(map[string]string),
		tokens:        make(map[string]*ProviderToken),
		subjectIndex:  make(map[string]string),
	}
}

func subjectKey(externalUserID, provider string) string {
	return externalUserID + "\x00" + provider
}

func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(user)
}

func (s *MemoryStore) createUserLocked(user *User) error {
	if _, exists := s.users[user.ID]; exists {
		return ErrUserExists
	}
	if _, exists := s.usernameIndex[user.Username]; exists {
		return ErrUserExists
	}
	if user.Email != "" {
		if _, exists := s.emailIndex[user.Email]; exists {
			return ErrUserExists
		}
	}

	s.users[user.ID] = copyUser(user)
	s.usernameIndex[user.Username] = user.ID
	if user.Email != "" {
		s.emailIndex[user.Email] = user.ID
	}
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*User, error) {
	if id == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, nil
	}
	return copyUser(user), nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.emailIndex[email]
	if !exists {
		return nil, nil
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	if username == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.usernameIndex[username]
	if !exists {
		return nil, nil
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryStore) UpdateLastLogin(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return ErrUserNotFound
	}
	user.LastLoginAt = &t
	return nil
}

func (s *MemoryStore) CreateUserWithToken(_ context.Context, user *User, token *ProviderToken) error {
	if user == nil || token == nil {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.createUserLocked(user); err != nil {
		return err
	}
	if err := s.createTokenLocked(token); err != nil {
		// Roll back the user so a failed token write never leaves an
		// orphaned account.
		delete(s.users, user.ID)
		delete(s.usernameIndex, user.Username)
		if user.Email != "" {
			delete(s.emailIndex, user.Email)
		}
		return err
	}
	return nil
}

func (s *MemoryStore) CreateToken(_ context.Context, token *ProviderToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTokenLocked(token)
}

func (s *MemoryStore) createTokenLocked(token *ProviderToken) error {
	if token == nil || token.ID == "" || token.UserID == "" || token.ExternalUserID == "" || token.Provider == "" {
		return ErrInvalidRecord
	}
	if _, exists := s.tokens[token.ID]; exists {
		return ErrTokenExists
	}
	key := subjectKey(token.ExternalUserID, token.Provider)
	if _, exists := s.subjectIndex[key]; exists {
		return ErrTokenExists
	}

	s.tokens[token.ID] = copyToken(token)
	s.subjectIndex[key] = token.ID
	return nil
}

func (s *MemoryStore) UpdateToken(_ context.Context, token *ProviderToken) error {
	if token == nil || token.ID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; !exists {
		return ErrTokenNotFound
	}
	s.tokens[token.ID] = copyToken(token)
	return nil
}

func (s *MemoryStore) GetTokenBySubject(_ context.Context, externalUserID, provider string) (*ProviderToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.subjectIndex[subjectKey(externalUserID, provider)]
	if !exists {
		return nil, nil
	}
	return copyToken(s.tokens[id]), nil
}

func (s *MemoryStore) ListUserTokens(_ context.Context, userID, provider string) ([]*ProviderToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ProviderToken
	for _, t := range s.tokens {
		if t.UserID == userID && t.Provider == provider {
			result = append(result, copyToken(t))
		}
	}
	return result, nil
}

func (s *MemoryStore) DeleteToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tokens[id]
	if !exists {
		return ErrTokenNotFound
	}
	delete(s.subjectIndex, subjectKey(token.ExternalUserID, token.Provider))
	delete(s.tokens, id)
	return nil
}
