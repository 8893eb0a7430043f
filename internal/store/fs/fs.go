// Package fs implements the file-based persistence driver: one directory per
// owner holding card bytes, previews and JSON sidecars. Documents are written
// atomically (temp file + fsync + rename) so readers never see torn writes.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anycard/anycard-go/internal/logutil"
	"github.com/anycard/anycard-go/internal/store"
)

func init() {
	store.Register("fs", NewDriver)
}

const (
	ownersDir       = "owners"
	previewsDir     = "previews"
	metaDir         = "meta"
	groupsFile      = "groups.json"
	sharedFile      = "shared.json"
	rejectionsFile  = "rejections.json"
	usageFile       = "usage.json"
	sharedUsersFile = "shared-users.json"
	linksFile       = "external-links.json"
	usersFile       = "users.json"
	tempPrefix      = ".tmp-"
)

// Driver implements store.Connector on the local filesystem.
type Driver struct {
	dataDir string
	logger  *slog.Logger
	closed  bool
}

// NewDriver creates a new filesystem driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Connector, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for fs driver")
	}
	return &Driver{
		dataDir: cfg.DataDir,
		logger:  logutil.NoopIfNil(cfg.Logger),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "fs"
}

// Init creates the data directory layout.
func (d *Driver) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(d.dataDir, ownersDir), 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return nil
}

// Close marks the driver closed.
func (d *Driver) Close() error {
	d.closed = true
	return nil
}

func (d *Driver) ownerDir(owner string) (string, error) {
	if d.closed {
		return "", store.ErrClosed
	}
	if err := store.ValidName(owner); err != nil {
		return "", err
	}
	return filepath.Join(d.dataDir, ownersDir, owner), nil
}

// ensureDirs creates the owner directory and its subdirectories.
func ensureDirs(dir string) error {
	for _, p := range []string{dir, filepath.Join(dir, previewsDir), filepath.Join(dir, metaDir)} {
		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

// readJSON decodes path into target. found is false when the file is missing
// or does not hold valid JSON; the latter is logged.
func (d *Driver) readJSON(path string, target any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		d.logger.Warn("ignoring unreadable document", "path", path, "error", err)
		return false, nil
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return writeAtomic(path, data)
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// removeIfExists deletes path, ignoring a missing file.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Owners

// EnsureOwner creates the owner's directories and the default group when no
// groups are stored yet. Idempotent.
func (d *Driver) EnsureOwner(ctx context.Context, owner string) error {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return err
	}
	if err := ensureDirs(dir); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, groupsFile)); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return d.SaveGroups(ctx, owner, []store.Group{store.DefaultGroup()})
}

// OwnerExists reports whether the owner directory exists.
func (d *Driver) OwnerExists(ctx context.Context, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	dir, err := d.ownerDir(owner)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// AllOwners lists the owner directories.
func (d *Driver) AllOwners(ctx context.Context) ([]string, error) {
	if d.closed {
		return nil, store.ErrClosed
	}
	entries, err := os.ReadDir(filepath.Join(d.dataDir, ownersDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	owners := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			owners = append(owners, e.Name())
		}
	}
	return owners, nil
}

// Files

// ListFiles returns card filenames, skipping sidecars, temp files and subdirectories.
func (d *Driver) ListFiles(ctx context.Context, owner string) ([]string, error) {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".txt") ||
			strings.HasPrefix(name, tempPrefix) {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func (d *Driver) filePath(owner, name string, preview bool) (string, error) {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return "", err
	}
	if err := store.ValidName(name); err != nil {
		return "", err
	}
	if preview {
		return filepath.Join(dir, previewsDir, name), nil
	}
	return filepath.Join(dir, name), nil
}

func (d *Driver) saveBytes(owner, name string, preview bool, data []byte) error {
	path, err := d.filePath(owner, name, preview)
	if err != nil {
		return err
	}
	dir, _ := d.ownerDir(owner)
	if err := ensureDirs(dir); err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// SaveFile stores the raw card bytes.
func (d *Driver) SaveFile(ctx context.Context, owner, name string, data []byte) error {
	return d.saveBytes(owner, name, false, data)
}

// SavePreview stores the preview bytes.
func (d *Driver) SavePreview(ctx context.Context, owner, name string, data []byte) error {
	return d.saveBytes(owner, name, true, data)
}

// LoadFile returns the card or preview bytes, or nil when absent.
func (d *Driver) LoadFile(ctx context.Context, owner, name string, preview bool) ([]byte, error) {
	path, err := d.filePath(owner, name, preview)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// DeleteFile removes the card, its preview and its metadata.
func (d *Driver) DeleteFile(ctx context.Context, owner, name string) error {
	path, err := d.filePath(owner, name, false)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	for _, p := range []string{path, filepath.Join(dir, previewsDir, name), filepath.Join(dir, metaDir, name+".json")} {
		if err := removeIfExists(p); err != nil {
			d.logger.Warn("failed to remove card part", "path", p, "error", err)
		}
	}
	return nil
}

func (d *Driver) metaPath(owner, name string) (string, error) {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return "", err
	}
	if err := store.ValidName(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, metaDir, name+".json"), nil
}

// LoadMeta returns the card metadata or DefaultMeta.
func (d *Driver) LoadMeta(ctx context.Context, owner, name string) (*store.Meta, error) {
	path, err := d.metaPath(owner, name)
	if err != nil {
		return nil, err
	}
	var meta store.Meta
	found, err := d.readJSON(path, &meta)
	if err != nil {
		return nil, err
	}
	if !found {
		return store.DefaultMeta(), nil
	}
	return store.NormalizeMeta(&meta), nil
}

// SaveMeta stores the card metadata.
func (d *Driver) SaveMeta(ctx context.Context, owner, name string, meta *store.Meta) error {
	path, err := d.metaPath(owner, name)
	if err != nil {
		return err
	}
	if err := ensureDirs(filepath.Dir(filepath.Dir(path))); err != nil {
		return err
	}
	return writeJSON(path, store.NormalizeMeta(meta))
}

// Groups

type groupsDocument struct {
	Groups []store.Group `json:"groups"`
}

// LoadGroups returns the owner's groups, writing the default group on first access.
func (d *Driver) LoadGroups(ctx context.Context, owner string) ([]store.Group, error) {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, groupsFile)

	var doc groupsDocument
	found, err := d.readJSON(path, &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		groups := []store.Group{store.DefaultGroup()}
		if err := d.SaveGroups(ctx, owner, groups); err != nil {
			return nil, err
		}
		return groups, nil
	}
	groups, _ := store.NormalizeGroups(doc.Groups)
	return groups, nil
}

// SaveGroups stores the owner's groups.
func (d *Driver) SaveGroups(ctx context.Context, owner string, groups []store.Group) error {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return err
	}
	if err := ensureDirs(dir); err != nil {
		return err
	}
	if groups == nil {
		groups = []store.Group{}
	}
	return writeJSON(filepath.Join(dir, groupsFile), groupsDocument{Groups: groups})
}

// Sharing

func (d *Driver) loadOwnerDoc(owner, file string, target any) (bool, error) {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return false, err
	}
	return d.readJSON(filepath.Join(dir, file), target)
}

func (d *Driver) saveOwnerDoc(owner, file string, v any) error {
	dir, err := d.ownerDir(owner)
	if err != nil {
		return err
	}
	if err := ensureDirs(dir); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, file), v)
}

// LoadSharedState returns the recipient's hidden and showInMy sets.
func (d *Driver) LoadSharedState(ctx context.Context, owner string) (*store.SharedState, error) {
	var state store.SharedState
	found, err := d.loadOwnerDoc(owner, sharedFile, &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return store.NewSharedState(), nil
	}
	return store.NormalizeSharedState(&state), nil
}

// SaveSharedState stores the recipient's shared state.
func (d *Driver) SaveSharedState(ctx context.Context, owner string, state *store.SharedState) error {
	return d.saveOwnerDoc(owner, sharedFile, store.NormalizeSharedState(state))
}

func (d *Driver) loadEmailSets(owner, file string) (store.EmailSets, error) {
	sets := store.EmailSets{}
	found, err := d.loadOwnerDoc(owner, file, &sets)
	if err != nil {
		return nil, err
	}
	if !found || sets == nil {
		return store.EmailSets{}, nil
	}
	return sets, nil
}

// LoadRejections returns the owner's rejection map.
func (d *Driver) LoadRejections(ctx context.Context, owner string) (store.EmailSets, error) {
	return d.loadEmailSets(owner, rejectionsFile)
}

// SaveRejections stores the owner's rejection map.
func (d *Driver) SaveRejections(ctx context.Context, owner string, rejections store.EmailSets) error {
	return d.saveOwnerDoc(owner, rejectionsFile, nonNilSets(rejections))
}

// LoadUsage returns the owner's stored usage map.
func (d *Driver) LoadUsage(ctx context.Context, owner string) (store.EmailSets, error) {
	return d.loadEmailSets(owner, usageFile)
}

// SaveUsage stores the owner's usage map.
func (d *Driver) SaveUsage(ctx context.Context, owner string, usage store.EmailSets) error {
	return d.saveOwnerDoc(owner, usageFile, nonNilSets(usage))
}

func nonNilSets(s store.EmailSets) store.EmailSets {
	if s == nil {
		return store.EmailSets{}
	}
	return s
}

// Global documents

func (d *Driver) globalPath(file string) (string, error) {
	if d.closed {
		return "", store.ErrClosed
	}
	return filepath.Join(d.dataDir, file), nil
}

func (d *Driver) loadGlobal(file string, target any) error {
	path, err := d.globalPath(file)
	if err != nil {
		return err
	}
	_, err = d.readJSON(path, target)
	return err
}

func (d *Driver) saveGlobal(file string, v any) error {
	path, err := d.globalPath(file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return writeJSON(path, v)
}

// LoadSharedUsersIndex returns the recipient email to owners index.
func (d *Driver) LoadSharedUsersIndex(ctx context.Context) (store.SharedUsersIndex, error) {
	index := store.SharedUsersIndex{}
	if err := d.loadGlobal(sharedUsersFile, &index); err != nil {
		return nil, err
	}
	if index == nil {
		index = store.SharedUsersIndex{}
	}
	return index, nil
}

// SaveSharedUsersIndex stores the index.
func (d *Driver) SaveSharedUsersIndex(ctx context.Context, index store.SharedUsersIndex) error {
	if index == nil {
		index = store.SharedUsersIndex{}
	}
	return d.saveGlobal(sharedUsersFile, index)
}

// LoadExternalLinks returns every email to external identity link.
func (d *Driver) LoadExternalLinks(ctx context.Context) (store.ExternalLinks, error) {
	links := store.ExternalLinks{}
	if err := d.loadGlobal(linksFile, &links); err != nil {
		return nil, err
	}
	if links == nil {
		links = store.ExternalLinks{}
	}
	return links, nil
}

// SaveExternalLinks stores the link document.
func (d *Driver) SaveExternalLinks(ctx context.Context, links store.ExternalLinks) error {
	if links == nil {
		links = store.ExternalLinks{}
	}
	return d.saveGlobal(linksFile, links)
}

// FindExternalLinkByID returns the link carrying externalID, or nil.
func (d *Driver) FindExternalLinkByID(ctx context.Context, externalID string) (*store.LinkedIdentity, error) {
	links, err := d.LoadExternalLinks(ctx)
	if err != nil {
		return nil, err
	}
	return links.FindByID(externalID), nil
}

// AddExternalLink links email to link.ExternalID unless that id is already claimed.
func (d *Driver) AddExternalLink(ctx context.Context, email string, link *store.ExternalLink) (bool, error) {
	links, err := d.LoadExternalLinks(ctx)
	if err != nil {
		return false, err
	}
	if links.FindByID(link.ExternalID) != nil {
		return false, nil
	}
	stored := *link
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	links[strings.ToLower(email)] = &stored
	if err := d.SaveExternalLinks(ctx, links); err != nil {
		return false, err
	}
	return true, nil
}

// SetExternalLinkActive flips the active flag of the link carrying externalID.
func (d *Driver) SetExternalLinkActive(ctx context.Context, externalID string, active bool) (bool, error) {
	links, err := d.LoadExternalLinks(ctx)
	if err != nil {
		return false, err
	}
	for _, link := range links {
		if link == nil || link.ExternalID != externalID {
			continue
		}
		link.Active = active
		if active {
			link.LeftAt = nil
		} else {
			now := time.Now().UTC()
			link.LeftAt = &now
		}
		if err := d.SaveExternalLinks(ctx, links); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// LoadUserInfo returns the owner id to account map.
func (d *Driver) LoadUserInfo(ctx context.Context) (store.UserInfoMap, error) {
	users := store.UserInfoMap{}
	if err := d.loadGlobal(usersFile, &users); err != nil {
		return nil, err
	}
	if users == nil {
		users = store.UserInfoMap{}
	}
	return users, nil
}

// SaveUserInfo stores the owner id to account map.
func (d *Driver) SaveUserInfo(ctx context.Context, users store.UserInfoMap) error {
	if users == nil {
		users = store.UserInfoMap{}
	}
	return d.saveGlobal(usersFile, users)
}

// Reset removes every owner directory together with the shared-users index
// and user-info documents. External links survive.
func (d *Driver) Reset(ctx context.Context) error {
	if d.closed {
		return store.ErrClosed
	}
	if err := os.RemoveAll(filepath.Join(d.dataDir, ownersDir)); err != nil {
		return fmt.Errorf("failed to remove owners: %w", err)
	}
	for _, file := range []string{sharedUsersFile, usersFile} {
		if err := removeIfExists(filepath.Join(d.dataDir, file)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return d.Init(ctx)
}

// Compile-time interface check
var _ store.Connector = (*Driver)(nil)
