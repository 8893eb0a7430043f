// Package store provides persistence primitives and driver abstractions.
package store

import (
	"context"
	"errors"
)

// Common errors for store operations.
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidName = errors.New("invalid name")
	ErrClosed      = errors.New("store closed")
)

// Driver defines the interface for a persistence backend.
type Driver interface {
	// Init initializes the driver (create directories, tables, etc).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (fs, sqlite, postgres).
	Name() string
}

// OwnerStore tracks which owners have storage.
type OwnerStore interface {
	// EnsureOwner creates the owner's storage if absent. Idempotent.
	EnsureOwner(ctx context.Context, owner string) error
	// OwnerExists reports whether the owner has storage. False for "".
	OwnerExists(ctx context.Context, owner string) (bool, error)
	// AllOwners enumerates every owner with storage.
	AllOwners(ctx context.Context) ([]string, error)
}

// FileStore holds card bytes, previews and per-card metadata.
type FileStore interface {
	// ListFiles returns the owner's card filenames, excluding previews and sidecars.
	ListFiles(ctx context.Context, owner string) ([]string, error)
	SaveFile(ctx context.Context, owner, name string, data []byte) error
	SavePreview(ctx context.Context, owner, name string, data []byte) error
	// LoadFile returns nil, nil when the file (or preview) does not exist.
	LoadFile(ctx context.Context, owner, name string, preview bool) ([]byte, error)
	// DeleteFile removes the file, its preview and its metadata. Missing parts are ignored.
	DeleteFile(ctx context.Context, owner, name string) error
	// LoadMeta returns DefaultMeta when the metadata is missing or unreadable.
	LoadMeta(ctx context.Context, owner, name string) (*Meta, error)
	SaveMeta(ctx context.Context, owner, name string, meta *Meta) error
}

// GroupStore holds the owner's ordered group list.
type GroupStore interface {
	// LoadGroups creates the default group on first access and always
	// returns it, with Emails never nil.
	LoadGroups(ctx context.Context, owner string) ([]Group, error)
	SaveGroups(ctx context.Context, owner string, groups []Group) error
}

// SharingStore holds the per-owner and global sharing documents.
type SharingStore interface {
	LoadSharedState(ctx context.Context, owner string) (*SharedState, error)
	SaveSharedState(ctx context.Context, owner string, state *SharedState) error
	LoadRejections(ctx context.Context, owner string) (EmailSets, error)
	SaveRejections(ctx context.Context, owner string, rejections EmailSets) error
	LoadUsage(ctx context.Context, owner string) (EmailSets, error)
	SaveUsage(ctx context.Context, owner string, usage EmailSets) error
	LoadSharedUsersIndex(ctx context.Context) (SharedUsersIndex, error)
	SaveSharedUsersIndex(ctx context.Context, index SharedUsersIndex) error
}

// LinkStore holds the email to external identity mapping.
type LinkStore interface {
	LoadExternalLinks(ctx context.Context) (ExternalLinks, error)
	SaveExternalLinks(ctx context.Context, links ExternalLinks) error
	// FindExternalLinkByID returns nil, nil when no email is linked to id.
	FindExternalLinkByID(ctx context.Context, externalID string) (*LinkedIdentity, error)
	// AddExternalLink returns false without writing when externalID is already linked.
	AddExternalLink(ctx context.Context, email string, link *ExternalLink) (bool, error)
	// SetExternalLinkActive returns false when no link carries externalID.
	SetExternalLinkActive(ctx context.Context, externalID string, active bool) (bool, error)
}

// UserInfoStore maps owner ids to the account they were derived from.
type UserInfoStore interface {
	LoadUserInfo(ctx context.Context) (UserInfoMap, error)
	SaveUserInfo(ctx context.Context, users UserInfoMap) error
}

// Connector is the full storage contract the services depend on.
type Connector interface {
	Driver
	OwnerStore
	FileStore
	GroupStore
	SharingStore
	LinkStore
	UserInfoStore

	// Reset destroys all stored state and leaves an empty, usable store.
	Reset(ctx context.Context) error
}
