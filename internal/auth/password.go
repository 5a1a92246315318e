package auth

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
}

// RandomPasswordHash returns a bcrypt hash of 32 random bytes. The plaintext
// is discarded, so the resulting account can never authenticate with a local
// password and is reachable only through its external provider.
func RandomPasswordHash() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("generate random password: %w", err)
	}
	return bcrypt.GenerateFromPassword(buf, bcryptCost)
}
