package cards

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/anycard/anycard-go/internal/store"
)

// Group returns one of the owner's groups.
func (s *Service) Group(ctx context.Context, owner, groupID string) (*store.Group, error) {
	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].ID == groupID {
			return &groups[i], nil
		}
	}
	return nil, ErrGroupNotFound
}

// CreateGroup appends a new empty group with a time-ordered id.
func (s *Service) CreateGroup(ctx context.Context, owner, name string) (*store.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidGroupName
	}
	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	g := store.Group{ID: id.String(), Name: name, Emails: []string{}}
	if err := s.conn.SaveGroups(ctx, owner, append(groups, g)); err != nil {
		return nil, err
	}
	return &g, nil
}

// RenameGroup changes a group's display name. The default group may be renamed.
func (s *Service) RenameGroup(ctx context.Context, owner, groupID, name string) (*store.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidGroupName
	}
	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(groups, func(g store.Group) bool { return g.ID == groupID })
	if idx < 0 {
		return nil, ErrGroupNotFound
	}
	groups[idx].Name = name
	if err := s.conn.SaveGroups(ctx, owner, groups); err != nil {
		return nil, err
	}
	return &groups[idx], nil
}

// DeleteGroup removes a group, strips it from every card's membership and
// drops its rejection and usage entries. A card whose only group was the
// deleted one is left with no groups. The removed group is returned so the
// caller can revoke its invites.
func (s *Service) DeleteGroup(ctx context.Context, owner, groupID string) (*store.Group, error) {
	if groupID == store.DefaultGroupID {
		return nil, ErrDefaultGroup
	}
	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(groups, func(g store.Group) bool { return g.ID == groupID })
	if idx < 0 {
		return nil, ErrGroupNotFound
	}
	removed := groups[idx]
	if err := s.conn.SaveGroups(ctx, owner, slices.Delete(groups, idx, idx+1)); err != nil {
		return nil, err
	}

	files, err := s.conn.ListFiles(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		meta, err := s.conn.LoadMeta(ctx, owner, f)
		if err != nil {
			return nil, err
		}
		if !meta.HasGroup(groupID) {
			continue
		}
		meta.Groups = slices.DeleteFunc(meta.Groups, func(g string) bool { return g == groupID })
		if err := s.conn.SaveMeta(ctx, owner, f, meta); err != nil {
			return nil, err
		}
	}

	for _, sets := range []struct {
		load func(context.Context, string) (store.EmailSets, error)
		save func(context.Context, string, store.EmailSets) error
	}{
		{s.conn.LoadRejections, s.conn.SaveRejections},
		{s.conn.LoadUsage, s.conn.SaveUsage},
	} {
		m, err := sets.load(ctx, owner)
		if err != nil {
			return nil, err
		}
		if _, ok := m[groupID]; !ok {
			continue
		}
		delete(m, groupID)
		if err := sets.save(ctx, owner, m); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("group deleted", "owner", owner, "group", groupID)
	return &removed, nil
}
