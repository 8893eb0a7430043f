package cards

import (
	"context"
	"time"

	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/store"
)

// userInfoRefresh bounds how often RecordUser rewrites an unchanged entry.
const userInfoRefresh = time.Hour

// EnsureOwner creates the owner's storage if absent.
func (s *Service) EnsureOwner(ctx context.Context, owner string) error {
	return s.conn.EnsureOwner(ctx, owner)
}

// OwnerExists reports whether the owner has storage.
func (s *Service) OwnerExists(ctx context.Context, owner string) (bool, error) {
	return s.conn.OwnerExists(ctx, owner)
}

// AllOwners enumerates owners.
func (s *Service) AllOwners(ctx context.Context) ([]string, error) {
	return s.conn.AllOwners(ctx)
}

// RecordUser ensures the principal's storage exists and keeps the owner id
// to email mapping current.
func (s *Service) RecordUser(ctx context.Context, p *identity.Principal) error {
	if err := s.conn.EnsureOwner(ctx, p.OwnerID); err != nil {
		return err
	}
	users, err := s.conn.LoadUserInfo(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	prev, ok := users[p.OwnerID]
	if ok && prev.Email == p.Email && prev.Name == p.Name && prev.Picture == p.Picture &&
		now.Sub(prev.LastSeen) < userInfoRefresh {
		return nil
	}
	users[p.OwnerID] = store.UserInfo{Email: p.Email, Name: p.Name, Picture: p.Picture, LastSeen: now}
	return s.conn.SaveUserInfo(ctx, users)
}

// OwnerEmail returns the email recorded for owner, or "".
func (s *Service) OwnerEmail(ctx context.Context, owner string) (string, error) {
	users, err := s.conn.LoadUserInfo(ctx)
	if err != nil {
		return "", err
	}
	return users[owner].Email, nil
}

// LoadFile returns card or preview bytes, nil when absent.
func (s *Service) LoadFile(ctx context.Context, owner, filename string, preview bool) ([]byte, error) {
	return s.conn.LoadFile(ctx, owner, filename, preview)
}

// LoadMeta returns a card's metadata.
func (s *Service) LoadMeta(ctx context.Context, owner, filename string) (*store.Meta, error) {
	return s.conn.LoadMeta(ctx, owner, filename)
}

// SaveMeta replaces a card's metadata.
func (s *Service) SaveMeta(ctx context.Context, owner, filename string, meta *store.Meta) error {
	return s.conn.SaveMeta(ctx, owner, filename, meta)
}

// LoadGroups returns the owner's groups, default first on first access.
func (s *Service) LoadGroups(ctx context.Context, owner string) ([]store.Group, error) {
	return s.conn.LoadGroups(ctx, owner)
}

// SaveGroups replaces the owner's groups.
func (s *Service) SaveGroups(ctx context.Context, owner string, groups []store.Group) error {
	return s.conn.SaveGroups(ctx, owner, groups)
}

// LoadRejections returns the owner's rejection map.
func (s *Service) LoadRejections(ctx context.Context, owner string) (store.EmailSets, error) {
	return s.conn.LoadRejections(ctx, owner)
}

// SaveRejections replaces the owner's rejection map.
func (s *Service) SaveRejections(ctx context.Context, owner string, m store.EmailSets) error {
	return s.conn.SaveRejections(ctx, owner, m)
}

// LoadUsage returns the owner's stored usage map.
func (s *Service) LoadUsage(ctx context.Context, owner string) (store.EmailSets, error) {
	return s.conn.LoadUsage(ctx, owner)
}

// SaveUsage replaces the owner's stored usage map.
func (s *Service) SaveUsage(ctx context.Context, owner string, m store.EmailSets) error {
	return s.conn.SaveUsage(ctx, owner, m)
}

// LoadSharedState returns a recipient's shared state.
func (s *Service) LoadSharedState(ctx context.Context, owner string) (*store.SharedState, error) {
	return s.conn.LoadSharedState(ctx, owner)
}

// SaveSharedState replaces a recipient's shared state.
func (s *Service) SaveSharedState(ctx context.Context, owner string, state *store.SharedState) error {
	return s.conn.SaveSharedState(ctx, owner, state)
}
