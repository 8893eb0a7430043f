// Package links attaches external chat identities to application emails.
package links

import (
	"context"
	"strings"

	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/store"
)

// Profile is the display data reported by the chat platform.
type Profile struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Service manages external identity links.
type Service struct {
	conn store.LinkStore
}

// New creates a link service.
func New(conn store.LinkStore) *Service {
	return &Service{conn: conn}
}

// Link attaches externalID to email. New links start inactive until the chat
// reports membership through SetActive. It returns false, nil when the id is
// already linked, without saying to which email.
func (s *Service) Link(ctx context.Context, email, externalID string, p Profile) (bool, error) {
	email, err := identity.NormalizeEmail(email)
	if err != nil {
		return false, err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return false, store.ErrInvalidName
	}
	return s.conn.AddExternalLink(ctx, email, &store.ExternalLink{
		ExternalID: externalID,
		Username:   p.Username,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
	})
}

// SetActive records whether the linked identity is still a member of the chat.
// It returns false when no link carries externalID.
func (s *Service) SetActive(ctx context.Context, externalID string, active bool) (bool, error) {
	return s.conn.SetExternalLinkActive(ctx, externalID, active)
}

// FindByExternalID returns the link for externalID, or nil.
func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*store.LinkedIdentity, error) {
	return s.conn.FindExternalLinkByID(ctx, externalID)
}

// FindByEmail returns the link attached to email, or nil.
func (s *Service) FindByEmail(ctx context.Context, email string) (*store.LinkedIdentity, error) {
	links, err := s.conn.LoadExternalLinks(ctx)
	if err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	link, ok := links[email]
	if !ok || link == nil {
		return nil, nil
	}
	return &store.LinkedIdentity{Email: email, ExternalLink: *link}, nil
}

// IsActive reports whether email has an active link.
func (s *Service) IsActive(ctx context.Context, email string) (bool, error) {
	link, err := s.FindByEmail(ctx, email)
	if err != nil || link == nil {
		return false, err
	}
	return link.Active, nil
}
