// Package identity derives application principals from authenticated emails.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/idna"
)

// ErrInvalidEmail is returned for addresses that cannot be normalized.
var ErrInvalidEmail = errors.New("invalid email")

// Principal is the authenticated caller.
type Principal struct {
	OwnerID string `json:"ownerId"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// NormalizeEmail lowercases the address and converts an internationalized
// domain to its ASCII form so the same mailbox always yields the same key.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	local, domain, ok := strings.Cut(addr.Address, "@")
	if !ok || local == "" || domain == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidEmail, email, err)
	}
	return strings.ToLower(local) + "@" + strings.ToLower(asciiDomain), nil
}

// NormalizeEmails normalizes and deduplicates a list, keeping first-seen order.
// Invalid entries are reported in rejected.
func NormalizeEmails(emails []string) (valid, rejected []string) {
	seen := make(map[string]bool, len(emails))
	valid = []string{}
	for _, e := range emails {
		if strings.TrimSpace(e) == "" {
			continue
		}
		n, err := NormalizeEmail(e)
		if err != nil {
			rejected = append(rejected, e)
			continue
		}
		if !seen[n] {
			seen[n] = true
			valid = append(valid, n)
		}
	}
	return valid, rejected
}

// OwnerIDs derives stable owner ids from emails with a keyed hash, so ids
// reveal nothing about the address without the key.
type OwnerIDs struct {
	key []byte
}

// NewOwnerIDs creates a deriver keyed with salt. Salts longer than the
// blake2b key limit are hashed down first.
func NewOwnerIDs(salt string) *OwnerIDs {
	key := []byte(salt)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	return &OwnerIDs{key: key}
}

// Derive returns the hex owner id for a normalized email.
func (o *OwnerIDs) Derive(email string) string {
	h, err := blake2b.New256(o.key)
	if err != nil {
		// Only possible for keys over 64 bytes, which NewOwnerIDs prevents.
		panic(err)
	}
	h.Write([]byte(email))
	return hex.EncodeToString(h.Sum(nil))
}

// Principal builds a principal for a raw email.
func (o *OwnerIDs) Principal(email, name string) (*Principal, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return &Principal{OwnerID: o.Derive(normalized), Email: normalized, Name: name}, nil
}
