package identity

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoIdentity means the request carries no authenticated email.
var ErrNoIdentity = errors.New("no authenticated identity")

// Default headers set by the authenticating reverse proxy.
const (
	DefaultEmailHeader   = "X-Forwarded-Email"
	DefaultNameHeader    = "X-Forwarded-User"
	DefaultPictureHeader = "X-Forwarded-Picture"
)

// HeaderResolver reads the principal from headers set by an authenticating
// proxy. Callers must only use it on requests from trusted peers.
type HeaderResolver struct {
	EmailHeader   string
	NameHeader    string
	PictureHeader string
	Owners        *OwnerIDs
}

// Resolve returns the principal for r, or ErrNoIdentity / ErrInvalidEmail.
func (h *HeaderResolver) Resolve(r *http.Request) (*Principal, error) {
	emailHeader := h.EmailHeader
	if emailHeader == "" {
		emailHeader = DefaultEmailHeader
	}
	email := strings.TrimSpace(r.Header.Get(emailHeader))
	if email == "" {
		return nil, ErrNoIdentity
	}
	p, err := h.Owners.Principal(email, strings.TrimSpace(r.Header.Get(orDefault(h.NameHeader, DefaultNameHeader))))
	if err != nil {
		return nil, err
	}
	p.Picture = strings.TrimSpace(r.Header.Get(orDefault(h.PictureHeader, DefaultPictureHeader)))
	return p, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
