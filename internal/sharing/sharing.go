// Package sharing resolves groups shared between owners: the recipient's view,
// hide and show-in-my preferences, owner-side rejection and usage maps, and
// the shared-users index.
//
// Updates touch documents of both the recipient and the owner without a
// transaction; concurrent requests may leave them briefly out of step.
package sharing

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"

	"github.com/anycard/anycard-go/internal/cards"
	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/logutil"
	"github.com/anycard/anycard-go/internal/store"
)

// ErrNotShared is returned when a group is not shared with the caller.
var ErrNotShared = errors.New("group is not shared with you")

// SharedGroup is one entry of a recipient's shared-groups view.
type SharedGroup struct {
	Owner      string `json:"owner"`
	OwnerEmail string `json:"ownerEmail,omitempty"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Count      int    `json:"count"`
	Rejected   bool   `json:"rejected"`
	ShowInMy   bool   `json:"showInMy"`
}

// GroupInvites is the result of editing a group's invite list.
type GroupInvites struct {
	Group store.Group `json:"group"`
	// PreviouslyRejected lists invited emails that had hidden this group.
	PreviouslyRejected []string `json:"previouslyRejected"`
	// Invalid lists submitted entries that are not email addresses.
	Invalid []string `json:"invalid,omitempty"`
}

// Service resolves sharing state.
type Service struct {
	conn   store.Connector
	cards  *cards.Service
	logger *slog.Logger
}

// New creates a sharing service.
func New(cardSvc *cards.Service, logger *slog.Logger) *Service {
	return &Service{
		conn:   cardSvc.Connector(),
		cards:  cardSvc,
		logger: logutil.NoopIfNil(logger),
	}
}

// SharedGroups lists groups shared with the principal. Candidate owners come
// from the shared-users index; a group is listed when its invite list holds
// the principal's email and the recipient has not hidden it.
func (s *Service) SharedGroups(ctx context.Context, p *identity.Principal) ([]SharedGroup, error) {
	index, err := s.conn.LoadSharedUsersIndex(ctx)
	if err != nil {
		return nil, err
	}
	state, err := s.conn.LoadSharedState(ctx, p.OwnerID)
	if err != nil {
		return nil, err
	}
	users, err := s.conn.LoadUserInfo(ctx)
	if err != nil {
		return nil, err
	}

	result := []SharedGroup{}
	for _, owner := range index[p.Email] {
		if owner == p.OwnerID {
			continue
		}
		exists, err := s.conn.OwnerExists(ctx, owner)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		groups, err := s.conn.LoadGroups(ctx, owner)
		if err != nil {
			return nil, err
		}
		var rejections store.EmailSets
		var all []cards.Card
		for _, g := range groups {
			key := store.SharedKey(owner, g.ID)
			if !slices.Contains(g.Emails, p.Email) || slices.Contains(state.Hidden, key) {
				continue
			}
			if rejections == nil {
				if rejections, err = s.conn.LoadRejections(ctx, owner); err != nil {
					return nil, err
				}
				if all, err = s.cards.ListCards(ctx, owner); err != nil {
					return nil, err
				}
			}
			count := 0
			for _, c := range all {
				if slices.Contains(c.Groups, g.ID) {
					count++
				}
			}
			result = append(result, SharedGroup{
				Owner:      owner,
				OwnerEmail: users[owner].Email,
				ID:         g.ID,
				Name:       g.Name,
				Count:      count,
				Rejected:   rejections.Contains(g.ID, p.Email),
				ShowInMy:   slices.Contains(state.ShowInMy, key),
			})
		}
	}
	return result, nil
}

// isInvited reports whether email is on owner's invite list for groupID.
func (s *Service) isInvited(ctx context.Context, owner, groupID, email string) (bool, error) {
	exists, err := s.conn.OwnerExists(ctx, owner)
	if err != nil || !exists {
		return false, err
	}
	g, err := s.cards.Group(ctx, owner, groupID)
	if errors.Is(err, cards.ErrGroupNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return slices.Contains(g.Emails, email), nil
}

// Hide dismisses (hidden=true) or restores a shared group for the recipient.
// Hiding also records the recipient in the owner's rejection map and clears
// any show-in-my preference together with its usage entry.
func (s *Service) Hide(ctx context.Context, p *identity.Principal, owner, groupID string, hidden bool) error {
	if hidden {
		ok, err := s.isInvited(ctx, owner, groupID, p.Email)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotShared
		}
	}
	key := store.SharedKey(owner, groupID)

	state, err := s.conn.LoadSharedState(ctx, p.OwnerID)
	if err != nil {
		return err
	}
	if hidden {
		state.Hidden = addKey(state.Hidden, key)
		state.ShowInMy = removeKey(state.ShowInMy, key)
	} else {
		state.Hidden = removeKey(state.Hidden, key)
	}
	if err := s.conn.SaveSharedState(ctx, p.OwnerID, state); err != nil {
		return err
	}

	rejections, err := s.conn.LoadRejections(ctx, owner)
	if err != nil {
		return err
	}
	var changed bool
	if hidden {
		changed = rejections.Add(groupID, p.Email)
	} else {
		changed = rejections.Remove(groupID, p.Email)
	}
	if changed {
		if err := s.conn.SaveRejections(ctx, owner, rejections); err != nil {
			return err
		}
	}

	if hidden {
		usage, err := s.conn.LoadUsage(ctx, owner)
		if err != nil {
			return err
		}
		if usage.Remove(groupID, p.Email) {
			if err := s.conn.SaveUsage(ctx, owner, usage); err != nil {
				return err
			}
		}
	}

	s.logger.Debug("shared group visibility changed", "recipient", p.OwnerID, "owner", owner, "group", groupID, "hidden", hidden)
	return nil
}

// ShowInMy toggles whether the recipient surfaces a shared group among their
// own groups, keeping the owner's stored usage map in step.
func (s *Service) ShowInMy(ctx context.Context, p *identity.Principal, owner, groupID string, show bool) error {
	if show {
		ok, err := s.isInvited(ctx, owner, groupID, p.Email)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotShared
		}
	}
	key := store.SharedKey(owner, groupID)

	state, err := s.conn.LoadSharedState(ctx, p.OwnerID)
	if err != nil {
		return err
	}
	if show {
		state.ShowInMy = addKey(state.ShowInMy, key)
	} else {
		state.ShowInMy = removeKey(state.ShowInMy, key)
	}
	if err := s.conn.SaveSharedState(ctx, p.OwnerID, state); err != nil {
		return err
	}

	usage, err := s.conn.LoadUsage(ctx, owner)
	if err != nil {
		return err
	}
	var changed bool
	if show {
		changed = usage.Add(groupID, p.Email)
	} else {
		changed = usage.Remove(groupID, p.Email)
	}
	if changed {
		return s.conn.SaveUsage(ctx, owner, usage)
	}
	return nil
}

// Usage returns, per group of owner, the emails displaying it: the union of
// the stored usage map and a scan of every other owner's showInMy set.
// Entries for groups the owner no longer has are dropped.
func (s *Service) Usage(ctx context.Context, owner string) (store.EmailSets, error) {
	stored, err := s.conn.LoadUsage(ctx, owner)
	if err != nil {
		return nil, err
	}
	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(groups))
	for _, g := range groups {
		live[g.ID] = true
	}
	usage := store.EmailSets{}
	for g, emails := range stored {
		if live[g] {
			usage[g] = emails
		}
	}
	owners, err := s.conn.AllOwners(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.conn.LoadUserInfo(ctx)
	if err != nil {
		return nil, err
	}
	for _, other := range owners {
		if other == owner {
			continue
		}
		email := users[other].Email
		if email == "" {
			continue
		}
		state, err := s.conn.LoadSharedState(ctx, other)
		if err != nil {
			return nil, err
		}
		for _, key := range state.ShowInMy {
			o, g, ok := store.SplitSharedKey(key)
			if ok && o == owner && live[g] {
				usage.Add(g, email)
			}
		}
	}
	for g := range usage {
		sort.Strings(usage[g])
	}
	return usage, nil
}

// UpdateInviteIndex adds owner to the index entries of emails newly invited
// and removes it from those no longer invited to any of owner's groups.
func (s *Service) UpdateInviteIndex(ctx context.Context, owner string, oldEmails, newEmails []string) error {
	added, removed := diff(oldEmails, newEmails)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	// An email dropped from one group may still be invited through another.
	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return err
	}
	stillInvited := map[string]bool{}
	for _, g := range groups {
		for _, e := range g.Emails {
			stillInvited[e] = true
		}
	}

	index, err := s.conn.LoadSharedUsersIndex(ctx)
	if err != nil {
		return err
	}
	for _, e := range added {
		if !slices.Contains(index[e], owner) {
			index[e] = append(index[e], owner)
		}
	}
	for _, e := range removed {
		if stillInvited[e] {
			continue
		}
		owners := slices.DeleteFunc(index[e], func(o string) bool { return o == owner })
		if len(owners) == 0 {
			delete(index, e)
		} else {
			index[e] = owners
		}
	}
	return s.conn.SaveSharedUsersIndex(ctx, index)
}

// SetGroupEmails replaces a group's invite list and maintains the index. The
// returned invites flag emails that had previously hidden the group.
func (s *Service) SetGroupEmails(ctx context.Context, owner, groupID string, emails []string) (*GroupInvites, error) {
	valid, invalid := identity.NormalizeEmails(emails)

	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(groups, func(g store.Group) bool { return g.ID == groupID })
	if idx < 0 {
		return nil, cards.ErrGroupNotFound
	}
	old := groups[idx].Emails
	groups[idx].Emails = valid
	if err := s.conn.SaveGroups(ctx, owner, groups); err != nil {
		return nil, err
	}
	if err := s.UpdateInviteIndex(ctx, owner, old, valid); err != nil {
		return nil, err
	}

	rejections, err := s.conn.LoadRejections(ctx, owner)
	if err != nil {
		return nil, err
	}
	prior := []string{}
	for _, e := range valid {
		if rejections.Contains(groupID, e) {
			prior = append(prior, e)
		}
	}
	return &GroupInvites{Group: groups[idx], PreviouslyRejected: prior, Invalid: invalid}, nil
}

// DeleteGroup deletes the group through the card service and revokes its invites.
func (s *Service) DeleteGroup(ctx context.Context, owner, groupID string) error {
	removed, err := s.cards.DeleteGroup(ctx, owner, groupID)
	if err != nil {
		return err
	}
	return s.UpdateInviteIndex(ctx, owner, removed.Emails, nil)
}

// SharedCards lists the cards of a group shared with the principal.
func (s *Service) SharedCards(ctx context.Context, p *identity.Principal, owner, groupID string) ([]cards.Card, error) {
	ok, err := s.isInvited(ctx, owner, groupID, p.Email)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotShared
	}
	return s.cards.CardsInGroup(ctx, owner, groupID)
}

// CanView reports whether the principal may fetch owner's card: owners see
// their own cards, recipients see cards in groups shared with them.
func (s *Service) CanView(ctx context.Context, p *identity.Principal, owner, filename string) (bool, error) {
	if p.OwnerID == owner {
		return true, nil
	}
	exists, err := s.conn.OwnerExists(ctx, owner)
	if err != nil || !exists {
		return false, err
	}
	meta, err := s.conn.LoadMeta(ctx, owner, filename)
	if err != nil {
		return false, err
	}
	groups, err := s.conn.LoadGroups(ctx, owner)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if meta.HasGroup(g.ID) && slices.Contains(g.Emails, p.Email) {
			return true, nil
		}
	}
	return false, nil
}

func addKey(keys []string, key string) []string {
	if slices.Contains(keys, key) {
		return keys
	}
	return append(keys, key)
}

func removeKey(keys []string, key string) []string {
	return slices.DeleteFunc(keys, func(k string) bool { return k == key })
}

// diff returns the entries of next missing from prev, and of prev missing from next.
func diff(prev, next []string) (added, removed []string) {
	for _, e := range next {
		if !slices.Contains(prev, e) {
			added = append(added, e)
		}
	}
	for _, e := range prev {
		if !slices.Contains(next, e) {
			removed = append(removed, e)
		}
	}
	return added, removed
}
