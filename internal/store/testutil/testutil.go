// Package testutil provides the shared conformance suite every store driver runs.
package testutil

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/anycard/anycard-go/internal/store"
)

// TestMeta returns card metadata with every field populated.
func TestMeta() *store.Meta {
	return &store.Meta{
		Comment:      "front of the card",
		Groups:       []string{"default", "friends"},
		OriginalName: "Card.PNG",
		Size:         2048,
		Email:        "alice@example.com",
	}
}

// TestLink returns an inactive external link for id.
func TestLink(id string) *store.ExternalLink {
	return &store.ExternalLink{
		ExternalID: id,
		Username:   "alice_tg",
		FirstName:  "Alice",
		LastName:   "Liddell",
	}
}

// NewConnector creates and initializes a connector, closing it on cleanup.
func NewConnector(t *testing.T, cfg *store.DriverConfig) store.Connector {
	t.Helper()
	conn, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create %s driver: %v", cfg.Driver, err)
	}
	if err := conn.Init(context.Background()); err != nil {
		t.Fatalf("failed to init %s driver: %v", cfg.Driver, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// RunDriverTests runs the standard test suite against a driver.
func RunDriverTests(t *testing.T, driverName string, cfg *store.DriverConfig) {
	ctx := context.Background()
	conn := NewConnector(t, cfg)

	if conn.Name() != driverName {
		t.Errorf("expected driver name %q, got %q", driverName, conn.Name())
	}

	t.Run("Owners", func(t *testing.T) { TestOwners(t, ctx, conn) })
	t.Run("DefaultGroup", func(t *testing.T) { TestDefaultGroup(t, ctx, conn) })
	t.Run("GroupsRoundTrip", func(t *testing.T) { TestGroupsRoundTrip(t, ctx, conn) })
	t.Run("FileLifecycle", func(t *testing.T) { TestFileLifecycle(t, ctx, conn) })
	t.Run("MetaRoundTrip", func(t *testing.T) { TestMetaRoundTrip(t, ctx, conn) })
	t.Run("SharingDocuments", func(t *testing.T) { TestSharingDocuments(t, ctx, conn) })
	t.Run("ExternalLinks", func(t *testing.T) { TestExternalLinks(t, ctx, conn) })
	t.Run("UserInfo", func(t *testing.T) { TestUserInfo(t, ctx, conn) })
	t.Run("InvalidNames", func(t *testing.T) { TestInvalidNames(t, ctx, conn) })
	// Reset wipes the shared connector, so it runs last.
	t.Run("Reset", func(t *testing.T) { TestReset(t, ctx, conn) })
}

// TestOwners checks owner creation, existence and enumeration.
func TestOwners(t *testing.T, ctx context.Context, s store.Connector) {
	exists, err := s.OwnerExists(ctx, "")
	if err != nil || exists {
		t.Errorf("OwnerExists(\"\") = %v, %v; want false, nil", exists, err)
	}

	exists, err = s.OwnerExists(ctx, "owner-a")
	if err != nil {
		t.Fatalf("OwnerExists failed: %v", err)
	}
	if exists {
		t.Error("expected owner-a to not exist yet")
	}

	for i := 0; i < 2; i++ {
		if err := s.EnsureOwner(ctx, "owner-a"); err != nil {
			t.Fatalf("EnsureOwner #%d failed: %v", i+1, err)
		}
	}

	exists, err = s.OwnerExists(ctx, "owner-a")
	if err != nil || !exists {
		t.Errorf("OwnerExists after EnsureOwner = %v, %v", exists, err)
	}

	owners, err := s.AllOwners(ctx)
	if err != nil {
		t.Fatalf("AllOwners failed: %v", err)
	}
	if !slices.Contains(owners, "owner-a") {
		t.Errorf("expected owner-a in %v", owners)
	}

	groups, err := s.LoadGroups(ctx, "owner-a")
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("expected exactly the default group after repeated EnsureOwner, got %v", groups)
	}

	custom := []store.Group{store.DefaultGroup(), {ID: "g1", Name: "Friends", Emails: []string{"b@x.com"}}}
	if err := s.SaveGroups(ctx, "owner-a", custom); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	if err := s.EnsureOwner(ctx, "owner-a"); err != nil {
		t.Fatalf("EnsureOwner on existing owner failed: %v", err)
	}
	groups, err = s.LoadGroups(ctx, "owner-a")
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if !reflect.DeepEqual(groups, custom) {
		t.Errorf("EnsureOwner changed stored groups: %#v", groups)
	}
}

// TestDefaultGroup checks the default group is created on first access.
func TestDefaultGroup(t *testing.T, ctx context.Context, s store.Connector) {
	if err := s.EnsureOwner(ctx, "owner-default"); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		groups, err := s.LoadGroups(ctx, "owner-default")
		if err != nil {
			t.Fatalf("LoadGroups failed: %v", err)
		}
		want := []store.Group{store.DefaultGroup()}
		if !reflect.DeepEqual(groups, want) {
			t.Errorf("LoadGroups #%d = %#v, want %#v", i+1, groups, want)
		}
	}
}

// TestGroupsRoundTrip checks ordering, invite lists and default-group repair.
func TestGroupsRoundTrip(t *testing.T, ctx context.Context, s store.Connector) {
	owner := "owner-groups"
	if err := s.EnsureOwner(ctx, owner); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}

	groups := []store.Group{
		store.DefaultGroup(),
		{ID: "friends", Name: "Friends", Emails: []string{"b@x.com", "c@x.com"}},
		{ID: "work", Name: "Work", Emails: []string{}},
	}
	if err := s.SaveGroups(ctx, owner, groups); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	got, err := s.LoadGroups(ctx, owner)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if !reflect.DeepEqual(got, groups) {
		t.Errorf("LoadGroups = %#v, want %#v", got, groups)
	}

	// A list without the default group reads back with it first.
	if err := s.SaveGroups(ctx, owner, []store.Group{{ID: "work", Name: "Work"}}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	got, err = s.LoadGroups(ctx, owner)
	if err != nil {
		t.Fatalf("LoadGroups failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != store.DefaultGroupID || got[1].ID != "work" {
		t.Errorf("expected [default work], got %#v", got)
	}
	if got[1].Emails == nil {
		t.Error("expected non-nil Emails")
	}
}

// TestFileLifecycle checks save, list, load and cascading delete.
func TestFileLifecycle(t *testing.T, ctx context.Context, s store.Connector) {
	owner := "owner-files"
	if err := s.EnsureOwner(ctx, owner); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}

	files, err := s.ListFiles(ctx, owner)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files, got %v", files)
	}

	if err := s.SaveFile(ctx, owner, "abc.png", []byte("original")); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if err := s.SavePreview(ctx, owner, "abc.png", []byte("preview")); err != nil {
		t.Fatalf("SavePreview failed: %v", err)
	}
	if err := s.SaveMeta(ctx, owner, "abc.png", TestMeta()); err != nil {
		t.Fatalf("SaveMeta failed: %v", err)
	}

	files, err = s.ListFiles(ctx, owner)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if !reflect.DeepEqual(files, []string{"abc.png"}) {
		t.Errorf("ListFiles = %v, want [abc.png]", files)
	}

	data, err := s.LoadFile(ctx, owner, "abc.png", false)
	if err != nil || string(data) != "original" {
		t.Errorf("LoadFile original = %q, %v", data, err)
	}
	data, err = s.LoadFile(ctx, owner, "abc.png", true)
	if err != nil || string(data) != "preview" {
		t.Errorf("LoadFile preview = %q, %v", data, err)
	}
	data, err = s.LoadFile(ctx, owner, "missing.png", false)
	if err != nil || data != nil {
		t.Errorf("LoadFile missing = %q, %v; want nil, nil", data, err)
	}

	if err := s.DeleteFile(ctx, owner, "abc.png"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	for _, preview := range []bool{false, true} {
		data, err := s.LoadFile(ctx, owner, "abc.png", preview)
		if err != nil || data != nil {
			t.Errorf("LoadFile(preview=%v) after delete = %q, %v", preview, data, err)
		}
	}
	meta, err := s.LoadMeta(ctx, owner, "abc.png")
	if err != nil {
		t.Fatalf("LoadMeta failed: %v", err)
	}
	if !reflect.DeepEqual(meta, store.DefaultMeta()) {
		t.Errorf("expected default meta after delete, got %#v", meta)
	}
	files, _ = s.ListFiles(ctx, owner)
	if len(files) != 0 {
		t.Errorf("expected no files after delete, got %v", files)
	}

	// Deleting again is not an error.
	if err := s.DeleteFile(ctx, owner, "abc.png"); err != nil {
		t.Errorf("second DeleteFile failed: %v", err)
	}
}

// TestMetaRoundTrip checks SaveMeta then LoadMeta returns the same value.
func TestMetaRoundTrip(t *testing.T, ctx context.Context, s store.Connector) {
	owner := "owner-meta"
	if err := s.EnsureOwner(ctx, owner); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}
	if err := s.SaveFile(ctx, owner, "card.jpg", []byte("x")); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	meta, err := s.LoadMeta(ctx, owner, "card.jpg")
	if err != nil {
		t.Fatalf("LoadMeta failed: %v", err)
	}
	if !reflect.DeepEqual(meta, store.DefaultMeta()) {
		t.Errorf("expected default meta, got %#v", meta)
	}

	want := TestMeta()
	if err := s.SaveMeta(ctx, owner, "card.jpg", want); err != nil {
		t.Fatalf("SaveMeta failed: %v", err)
	}
	got, err := s.LoadMeta(ctx, owner, "card.jpg")
	if err != nil {
		t.Fatalf("LoadMeta failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadMeta = %#v, want %#v", got, want)
	}

	// Empty membership is stored as-is.
	want.Groups = []string{}
	if err := s.SaveMeta(ctx, owner, "card.jpg", want); err != nil {
		t.Fatalf("SaveMeta failed: %v", err)
	}
	got, _ = s.LoadMeta(ctx, owner, "card.jpg")
	if got.Groups == nil || len(got.Groups) != 0 {
		t.Errorf("expected empty groups, got %#v", got.Groups)
	}
}

// TestSharingDocuments checks shared state, rejection, usage and index documents.
func TestSharingDocuments(t *testing.T, ctx context.Context, s store.Connector) {
	owner := "owner-sharing"
	if err := s.EnsureOwner(ctx, owner); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}

	state, err := s.LoadSharedState(ctx, owner)
	if err != nil {
		t.Fatalf("LoadSharedState failed: %v", err)
	}
	if !reflect.DeepEqual(state, store.NewSharedState()) {
		t.Errorf("expected empty shared state, got %#v", state)
	}
	wantState := &store.SharedState{Hidden: []string{"o1/g1"}, ShowInMy: []string{"o2/g2", "o3/g3"}}
	if err := s.SaveSharedState(ctx, owner, wantState); err != nil {
		t.Fatalf("SaveSharedState failed: %v", err)
	}
	state, _ = s.LoadSharedState(ctx, owner)
	if !reflect.DeepEqual(state, wantState) {
		t.Errorf("LoadSharedState = %#v, want %#v", state, wantState)
	}

	rej, err := s.LoadRejections(ctx, owner)
	if err != nil || len(rej) != 0 {
		t.Errorf("LoadRejections = %v, %v; want empty", rej, err)
	}
	wantRej := store.EmailSets{"friends": {"b@x.com"}}
	if err := s.SaveRejections(ctx, owner, wantRej); err != nil {
		t.Fatalf("SaveRejections failed: %v", err)
	}
	rej, _ = s.LoadRejections(ctx, owner)
	if !reflect.DeepEqual(rej, wantRej) {
		t.Errorf("LoadRejections = %v, want %v", rej, wantRej)
	}

	usage, err := s.LoadUsage(ctx, owner)
	if err != nil || len(usage) != 0 {
		t.Errorf("LoadUsage = %v, %v; want empty", usage, err)
	}
	wantUsage := store.EmailSets{"friends": {"c@x.com", "d@x.com"}, "work": {"e@x.com"}}
	if err := s.SaveUsage(ctx, owner, wantUsage); err != nil {
		t.Fatalf("SaveUsage failed: %v", err)
	}
	usage, _ = s.LoadUsage(ctx, owner)
	if !reflect.DeepEqual(usage, wantUsage) {
		t.Errorf("LoadUsage = %v, want %v", usage, wantUsage)
	}
	// Rejections and usage do not bleed into each other.
	rej, _ = s.LoadRejections(ctx, owner)
	if !reflect.DeepEqual(rej, wantRej) {
		t.Errorf("rejections changed after SaveUsage: %v", rej)
	}

	index := store.SharedUsersIndex{"b@x.com": {owner, "owner-other"}}
	if err := s.SaveSharedUsersIndex(ctx, index); err != nil {
		t.Fatalf("SaveSharedUsersIndex failed: %v", err)
	}
	gotIndex, err := s.LoadSharedUsersIndex(ctx)
	if err != nil {
		t.Fatalf("LoadSharedUsersIndex failed: %v", err)
	}
	if !reflect.DeepEqual(gotIndex, index) {
		t.Errorf("LoadSharedUsersIndex = %v, want %v", gotIndex, index)
	}
}

// TestExternalLinks checks link uniqueness and status updates.
func TestExternalLinks(t *testing.T, ctx context.Context, s store.Connector) {
	found, err := s.FindExternalLinkByID(ctx, "42")
	if err != nil || found != nil {
		t.Errorf("FindExternalLinkByID on empty store = %v, %v", found, err)
	}

	ok, err := s.AddExternalLink(ctx, "Alice@Example.com", TestLink("42"))
	if err != nil || !ok {
		t.Fatalf("AddExternalLink = %v, %v; want true", ok, err)
	}
	ok, err = s.AddExternalLink(ctx, "eve@example.com", TestLink("42"))
	if err != nil {
		t.Fatalf("AddExternalLink failed: %v", err)
	}
	if ok {
		t.Error("expected second link for the same external id to be refused")
	}

	found, err = s.FindExternalLinkByID(ctx, "42")
	if err != nil || found == nil {
		t.Fatalf("FindExternalLinkByID = %v, %v", found, err)
	}
	if found.Email != "alice@example.com" {
		t.Errorf("expected id 42 to resolve to alice@example.com, got %q", found.Email)
	}
	if found.Active || found.LeftAt != nil {
		t.Errorf("expected new link inactive with no leftAt, got %#v", found.ExternalLink)
	}
	if found.RegisteredAt.IsZero() {
		t.Error("expected registeredAt to be set")
	}

	ok, err = s.SetExternalLinkActive(ctx, "42", false)
	if err != nil || !ok {
		t.Fatalf("SetExternalLinkActive(false) = %v, %v", ok, err)
	}
	found, _ = s.FindExternalLinkByID(ctx, "42")
	if found.Active || found.LeftAt == nil {
		t.Errorf("expected inactive link with leftAt, got %#v", found.ExternalLink)
	}

	ok, err = s.SetExternalLinkActive(ctx, "42", true)
	if err != nil || !ok {
		t.Fatalf("SetExternalLinkActive(true) = %v, %v", ok, err)
	}
	found, _ = s.FindExternalLinkByID(ctx, "42")
	if !found.Active || found.LeftAt != nil {
		t.Errorf("expected active link without leftAt, got %#v", found.ExternalLink)
	}

	ok, err = s.SetExternalLinkActive(ctx, "nope", true)
	if err != nil || ok {
		t.Errorf("SetExternalLinkActive(unknown) = %v, %v; want false", ok, err)
	}

	links, err := s.LoadExternalLinks(ctx)
	if err != nil {
		t.Fatalf("LoadExternalLinks failed: %v", err)
	}
	if len(links) != 1 || links["alice@example.com"] == nil {
		t.Errorf("expected a single link keyed by lowercase email, got %v", links)
	}
}

// TestUserInfo checks the owner id to account document.
func TestUserInfo(t *testing.T, ctx context.Context, s store.Connector) {
	users, err := s.LoadUserInfo(ctx)
	if err != nil || len(users) != 0 {
		t.Errorf("LoadUserInfo = %v, %v; want empty", users, err)
	}
	seen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	want := store.UserInfoMap{"owner-a": {Email: "a@x.com", Name: "A", LastSeen: seen}}
	if err := s.SaveUserInfo(ctx, want); err != nil {
		t.Fatalf("SaveUserInfo failed: %v", err)
	}
	got, err := s.LoadUserInfo(ctx)
	if err != nil {
		t.Fatalf("LoadUserInfo failed: %v", err)
	}
	info, ok := got["owner-a"]
	if !ok || info.Email != "a@x.com" || info.Name != "A" || !info.LastSeen.Equal(seen) {
		t.Errorf("LoadUserInfo = %#v", got)
	}
	if owner := got.OwnerByEmail("A@X.com"); owner != "owner-a" {
		t.Errorf("OwnerByEmail = %q", owner)
	}
}

// TestInvalidNames checks path traversal is refused.
func TestInvalidNames(t *testing.T, ctx context.Context, s store.Connector) {
	if err := s.EnsureOwner(ctx, "../escape"); !errors.Is(err, store.ErrInvalidName) {
		t.Errorf("EnsureOwner(../escape) = %v, want ErrInvalidName", err)
	}
	if err := s.SaveFile(ctx, "owner-files", "../x.png", []byte("x")); !errors.Is(err, store.ErrInvalidName) {
		t.Errorf("SaveFile(../x.png) = %v, want ErrInvalidName", err)
	}
}

// TestReset checks reset wipes owner data, keeps links, and is idempotent.
func TestReset(t *testing.T, ctx context.Context, s store.Connector) {
	if err := s.EnsureOwner(ctx, "owner-reset"); err != nil {
		t.Fatalf("EnsureOwner failed: %v", err)
	}
	if err := s.SaveSharedUsersIndex(ctx, store.SharedUsersIndex{"x@x.com": {"owner-reset"}}); err != nil {
		t.Fatalf("SaveSharedUsersIndex failed: %v", err)
	}
	if _, err := s.AddExternalLink(ctx, "keep@example.com", TestLink("reset-id")); err != nil {
		t.Fatalf("AddExternalLink failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Reset(ctx); err != nil {
			t.Fatalf("Reset #%d failed: %v", i+1, err)
		}
	}

	owners, err := s.AllOwners(ctx)
	if err != nil {
		t.Fatalf("AllOwners failed: %v", err)
	}
	if len(owners) != 0 {
		t.Errorf("expected no owners after reset, got %v", owners)
	}
	index, _ := s.LoadSharedUsersIndex(ctx)
	if len(index) != 0 {
		t.Errorf("expected empty index after reset, got %v", index)
	}
	users, _ := s.LoadUserInfo(ctx)
	if len(users) != 0 {
		t.Errorf("expected empty user info after reset, got %v", users)
	}
	link, _ := s.FindExternalLinkByID(ctx, "reset-id")
	if link == nil {
		t.Error("expected external links to survive reset")
	}

	// The store is usable after reset.
	if err := s.EnsureOwner(ctx, "owner-after"); err != nil {
		t.Fatalf("EnsureOwner after reset failed: %v", err)
	}
	groups, err := s.LoadGroups(ctx, "owner-after")
	if err != nil || len(groups) != 1 {
		t.Errorf("LoadGroups after reset = %v, %v", groups, err)
	}
}
