package store

import (
	"slices"
	"strings"
	"time"
)

// DefaultGroupID is the group every owner has and cannot delete.
const DefaultGroupID = "default"

// DefaultGroupName is the display name given to the default group.
const DefaultGroupName = "My Cards"

// Meta is the per-card metadata sidecar.
type Meta struct {
	Comment      string   `json:"comment"`
	Groups       []string `json:"groups"`
	OriginalName string   `json:"originalName,omitempty"`
	Size         int64    `json:"size,omitempty"`
	Email        string   `json:"email,omitempty"`
}

// DefaultMeta is returned for cards without readable metadata.
func DefaultMeta() *Meta {
	return &Meta{Comment: "", Groups: []string{DefaultGroupID}}
}

// HasGroup reports whether the card is a member of groupID.
func (m *Meta) HasGroup(groupID string) bool {
	return slices.Contains(m.Groups, groupID)
}

// Group is a named collection of an owner's cards plus its invite list.
type Group struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Emails []string `json:"emails"`
}

// DefaultGroup returns a fresh default group.
func DefaultGroup() Group {
	return Group{ID: DefaultGroupID, Name: DefaultGroupName, Emails: []string{}}
}

// SharedState is a recipient's view preferences over groups shared with them.
// Entries are SharedKey values.
type SharedState struct {
	Hidden   []string `json:"hidden"`
	ShowInMy []string `json:"showInMy"`
}

// NewSharedState returns an empty shared state with non-nil slices.
func NewSharedState() *SharedState {
	return &SharedState{Hidden: []string{}, ShowInMy: []string{}}
}

// EmailSets maps a group id to a set of recipient emails. It backs both the
// rejection map and the usage map of an owner.
type EmailSets map[string][]string

// Contains reports whether email is recorded for groupID.
func (s EmailSets) Contains(groupID, email string) bool {
	return slices.Contains(s[groupID], email)
}

// Add records email under groupID and reports whether it changed the set.
func (s EmailSets) Add(groupID, email string) bool {
	if s.Contains(groupID, email) {
		return false
	}
	s[groupID] = append(s[groupID], email)
	return true
}

// Remove drops email from groupID and reports whether it changed the set.
// Empty entries are deleted.
func (s EmailSets) Remove(groupID, email string) bool {
	list, ok := s[groupID]
	if !ok {
		return false
	}
	idx := slices.Index(list, email)
	if idx < 0 {
		return false
	}
	list = slices.Delete(list, idx, idx+1)
	if len(list) == 0 {
		delete(s, groupID)
	} else {
		s[groupID] = list
	}
	return true
}

// SharedUsersIndex maps a recipient email to the owners who share with it.
type SharedUsersIndex map[string][]string

// ExternalLink is the chat identity attached to an application email.
type ExternalLink struct {
	ExternalID   string     `json:"id"`
	Username     string     `json:"username"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LeftAt       *time.Time `json:"leftAt"`
	Active       bool       `json:"active"`
}

// ExternalLinks is keyed by lowercase email.
type ExternalLinks map[string]*ExternalLink

// LinkedIdentity is an ExternalLink together with the email it belongs to.
type LinkedIdentity struct {
	Email string `json:"email"`
	ExternalLink
}

// FindByID returns the link carrying externalID, or nil.
func (l ExternalLinks) FindByID(externalID string) *LinkedIdentity {
	for email, link := range l {
		if link != nil && link.ExternalID == externalID {
			return &LinkedIdentity{Email: email, ExternalLink: *link}
		}
	}
	return nil
}

// UserInfo records who an owner id belongs to.
type UserInfo struct {
	Email    string    `json:"email"`
	Name     string    `json:"name,omitempty"`
	Picture  string    `json:"picture,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// UserInfoMap is keyed by owner id.
type UserInfoMap map[string]UserInfo

// OwnerByEmail returns the owner id recorded for email, or "".
func (m UserInfoMap) OwnerByEmail(email string) string {
	for owner, info := range m {
		if strings.EqualFold(info.Email, email) {
			return owner
		}
	}
	return ""
}

// SharedKey builds the "owner/group" key used in SharedState.
func SharedKey(owner, groupID string) string {
	return owner + "/" + groupID
}

// SplitSharedKey splits a SharedKey. ok is false for malformed keys.
func SplitSharedKey(key string) (owner, groupID string, ok bool) {
	owner, groupID, ok = strings.Cut(key, "/")
	if !ok || owner == "" || groupID == "" {
		return "", "", false
	}
	return owner, groupID, true
}
