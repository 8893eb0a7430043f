package store

import (
	"fmt"
	"strings"
)

// ValidName rejects owner ids and filenames that could escape their directory.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// NormalizeGroups gives every group a non-nil Emails slice and puts the
// default group first when it is missing. It reports whether it changed anything.
func NormalizeGroups(groups []Group) ([]Group, bool) {
	changed := false
	hasDefault := false
	for i := range groups {
		if groups[i].Emails == nil {
			groups[i].Emails = []string{}
			changed = true
		}
		if groups[i].ID == DefaultGroupID {
			hasDefault = true
		}
	}
	if !hasDefault {
		groups = append([]Group{DefaultGroup()}, groups...)
		changed = true
	}
	return groups, changed
}

// NormalizeSharedState replaces nil slices with empty ones.
func NormalizeSharedState(s *SharedState) *SharedState {
	if s == nil {
		return NewSharedState()
	}
	if s.Hidden == nil {
		s.Hidden = []string{}
	}
	if s.ShowInMy == nil {
		s.ShowInMy = []string{}
	}
	return s
}

// NormalizeMeta fills a Meta decoded from storage so callers never see nil groups.
func NormalizeMeta(m *Meta) *Meta {
	if m == nil {
		return DefaultMeta()
	}
	if m.Groups == nil {
		m.Groups = []string{}
	}
	return m
}
