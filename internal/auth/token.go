package auth

import "time"

// ProviderToken is the persisted binding between a local user and an
// external identity. At most one record exists per (ExternalUserID,
// Provider) pair, and per (UserID, Provider) pair.
type ProviderToken struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	ExternalUserID        string     `json:"external_user_id"` // IdP "sub" claim
	Provider              string     `json:"provider"`
	AccessToken           string     `json:"-"`
	IDToken               string     `json:"-"`
	RefreshToken          string     `json:"-"`
	ExpirationTime        time.Time  `json:"expiration_time"`
	RefreshExpirationTime *time.Time `json:"refresh_expiration_time,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// copyToken creates a deep copy of a ProviderToken.
func copyToken(t *ProviderToken) *ProviderToken {
	if t == nil {
		return nil
	}
	cpy := *t
	if t.RefreshExpirationTime != nil {
		exp := *t.RefreshExpirationTime
		cpy.RefreshExpirationTime = &exp
	}
	return &cpy
}
