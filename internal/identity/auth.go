package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when an admin token does not match.
var ErrInvalidToken = errors.New("invalid token")

// AdminAuth verifies the administrative bearer token against a bcrypt hash.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth creates an AdminAuth. An empty hash disables admin access.
func NewAdminAuth(hash string) *AdminAuth {
	return &AdminAuth{hash: []byte(hash)}
}

// Enabled reports whether a token hash is configured.
func (a *AdminAuth) Enabled() bool {
	return a != nil && len(a.hash) > 0
}

// Verify checks token against the configured hash.
func (a *AdminAuth) Verify(token string) error {
	if !a.Enabled() || token == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// HashToken creates a bcrypt hash of token at the given cost.
func HashToken(token string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateToken creates a cryptographically secure random token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
