package sharing_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"reflect"
	"testing"

	"github.com/anycard/anycard-go/internal/cards"
	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/sharing"
	"github.com/anycard/anycard-go/internal/store"
	_ "github.com/anycard/anycard-go/internal/store/fs"
	"github.com/anycard/anycard-go/internal/store/testutil"
)

type fixture struct {
	conn    store.Connector
	cards   *cards.Service
	sharing *sharing.Service
	alice   *identity.Principal
	bob     *identity.Principal
	carol   *identity.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn := testutil.NewConnector(t, &store.DriverConfig{Driver: "fs", DataDir: t.TempDir()})
	cardSvc := cards.New(conn, cards.Config{Salt: "s"}, nil)
	f := &fixture{
		conn:    conn,
		cards:   cardSvc,
		sharing: sharing.New(cardSvc, nil),
		alice:   &identity.Principal{OwnerID: "owner-a", Email: "a@x.com"},
		bob:     &identity.Principal{OwnerID: "owner-b", Email: "b@x.com"},
		carol:   &identity.Principal{OwnerID: "owner-c", Email: "c@x.com"},
	}
	for _, p := range []*identity.Principal{f.alice, f.bob, f.carol} {
		if err := cardSvc.RecordUser(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (f *fixture) sharedGroups(t *testing.T, p *identity.Principal) []sharing.SharedGroup {
	t.Helper()
	view, err := f.sharing.SharedGroups(context.Background(), p)
	if err != nil {
		t.Fatalf("SharedGroups(%s): %v", p.Email, err)
	}
	return view
}

func (f *fixture) usage(t *testing.T, owner string) store.EmailSets {
	t.Helper()
	usage, err := f.sharing.Usage(context.Background(), owner)
	if err != nil {
		t.Fatalf("Usage(%s): %v", owner, err)
	}
	return usage
}

func (f *fixture) index(t *testing.T) store.SharedUsersIndex {
	t.Helper()
	index, err := f.conn.LoadSharedUsersIndex(context.Background())
	if err != nil {
		t.Fatalf("LoadSharedUsersIndex: %v", err)
	}
	return index
}

func (f *fixture) listCards(t *testing.T, owner string) []cards.Card {
	t.Helper()
	list, err := f.cards.ListCards(context.Background(), owner)
	if err != nil {
		t.Fatalf("ListCards(%s): %v", owner, err)
	}
	return list
}

// friendsGroup makes alice create "friends" with two cards and invite emails.
func (f *fixture) friendsGroup(t *testing.T, emails ...string) *store.Group {
	t.Helper()
	ctx := context.Background()
	g, err := f.cards.CreateGroup(ctx, f.alice.OwnerID, "friends")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.png", "b.png"} {
		if _, err := f.cards.AddCard(ctx, f.alice.OwnerID, cards.Upload{Name: name, Data: pngBytes(t)}, "", []string{g.ID}, f.alice.Email); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.cards.AddCard(ctx, f.alice.OwnerID, cards.Upload{Name: "private.png", Data: pngBytes(t)}, "", nil, f.alice.Email); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sharing.SetGroupEmails(ctx, f.alice.OwnerID, g.ID, emails); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestFriendsScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.friendsGroup(t, "b@x.com")

	view, err := f.sharing.SharedGroups(ctx, f.bob)
	if err != nil {
		t.Fatalf("SharedGroups failed: %v", err)
	}
	want := []sharing.SharedGroup{{
		Owner: f.alice.OwnerID, OwnerEmail: "a@x.com", ID: g.ID, Name: "friends", Count: 2,
	}}
	if !reflect.DeepEqual(view, want) {
		t.Fatalf("view = %#v, want %#v", view, want)
	}

	if err := f.sharing.ShowInMy(ctx, f.bob, f.alice.OwnerID, g.ID, true); err != nil {
		t.Fatalf("ShowInMy failed: %v", err)
	}
	usage, err := f.sharing.Usage(ctx, f.alice.OwnerID)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if !reflect.DeepEqual(usage[g.ID], []string{"b@x.com"}) {
		t.Errorf("usage[friends] = %v", usage[g.ID])
	}

	if err := f.sharing.Hide(ctx, f.bob, f.alice.OwnerID, g.ID, true); err != nil {
		t.Fatalf("Hide failed: %v", err)
	}
	rej, err := f.conn.LoadRejections(ctx, f.alice.OwnerID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rej[g.ID], []string{"b@x.com"}) {
		t.Errorf("rejections[friends] = %v", rej[g.ID])
	}
	if view := f.sharedGroups(t, f.bob); len(view) != 0 {
		t.Errorf("hidden group still visible: %#v", view)
	}
	state, err := f.conn.LoadSharedState(ctx, f.bob.OwnerID)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.ShowInMy) != 0 {
		t.Errorf("showInMy not cleared by hide: %v", state.ShowInMy)
	}
	if usage := f.usage(t, f.alice.OwnerID); len(usage[g.ID]) != 0 {
		t.Errorf("usage not cleared by hide: %v", usage)
	}

	// Unhiding restores the view and clears the rejection.
	if err := f.sharing.Hide(ctx, f.bob, f.alice.OwnerID, g.ID, false); err != nil {
		t.Fatal(err)
	}
	if view := f.sharedGroups(t, f.bob); len(view) != 1 || view[0].Rejected {
		t.Errorf("view after unhide = %#v", view)
	}
}

func TestSharingInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.friendsGroup(t, "b@x.com")

	// carol is not invited.
	if view := f.sharedGroups(t, f.carol); len(view) != 0 {
		t.Errorf("uninvited recipient sees %#v", view)
	}

	// Reachable through the index but removed from the invite list.
	groups, err := f.conn.LoadGroups(ctx, f.alice.OwnerID)
	if err != nil {
		t.Fatal(err)
	}
	for i := range groups {
		if groups[i].ID == g.ID {
			groups[i].Emails = []string{}
		}
	}
	if err := f.conn.SaveGroups(ctx, f.alice.OwnerID, groups); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.index(t)["b@x.com"]; !ok {
		t.Fatal("raw group edit should leave bob in the index")
	}
	if view := f.sharedGroups(t, f.bob); len(view) != 0 {
		t.Errorf("recipient off the invite list sees %#v", view)
	}

	// Invited but unreachable from the index.
	for i := range groups {
		if groups[i].ID == g.ID {
			groups[i].Emails = []string{"b@x.com"}
		}
	}
	if err := f.conn.SaveGroups(ctx, f.alice.OwnerID, groups); err != nil {
		t.Fatal(err)
	}
	if err := f.conn.SaveSharedUsersIndex(ctx, store.SharedUsersIndex{}); err != nil {
		t.Fatal(err)
	}
	if view := f.sharedGroups(t, f.bob); len(view) != 0 {
		t.Errorf("recipient missing from index sees %#v", view)
	}
}

func TestUsageUnionsStoredAndScanned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.friendsGroup(t, "b@x.com", "c@x.com")

	// Stored cache knows an email the scan does not.
	if err := f.conn.SaveUsage(ctx, f.alice.OwnerID, store.EmailSets{g.ID: {"z@x.com"}}); err != nil {
		t.Fatal(err)
	}
	// The scan knows carol although the cache does not.
	err := f.conn.SaveSharedState(ctx, f.carol.OwnerID, &store.SharedState{
		Hidden:   []string{},
		ShowInMy: []string{store.SharedKey(f.alice.OwnerID, g.ID)},
	})
	if err != nil {
		t.Fatal(err)
	}

	usage := f.usage(t, f.alice.OwnerID)
	if !reflect.DeepEqual(usage[g.ID], []string{"c@x.com", "z@x.com"}) {
		t.Errorf("usage = %v", usage[g.ID])
	}
}

func TestSetGroupEmailsMaintainsIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.friendsGroup(t, "B@x.com", "c@x.com", "not-an-email")

	index := f.index(t)
	want := store.SharedUsersIndex{"b@x.com": {f.alice.OwnerID}, "c@x.com": {f.alice.OwnerID}}
	if !reflect.DeepEqual(index, want) {
		t.Errorf("index = %v, want %v", index, want)
	}

	// b hides, then is invited again: flagged as previously rejected.
	if err := f.sharing.Hide(ctx, f.bob, f.alice.OwnerID, g.ID, true); err != nil {
		t.Fatal(err)
	}
	inv, err := f.sharing.SetGroupEmails(ctx, f.alice.OwnerID, g.ID, []string{"b@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(inv.PreviouslyRejected, []string{"b@x.com"}) {
		t.Errorf("previouslyRejected = %v", inv.PreviouslyRejected)
	}
	index = f.index(t)
	if _, ok := index["c@x.com"]; ok {
		t.Errorf("c@x.com still indexed: %v", index)
	}

	// An email kept by another group stays indexed.
	other, err := f.cards.CreateGroup(ctx, f.alice.OwnerID, "other")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sharing.SetGroupEmails(ctx, f.alice.OwnerID, other.ID, []string{"b@x.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sharing.SetGroupEmails(ctx, f.alice.OwnerID, g.ID, nil); err != nil {
		t.Fatal(err)
	}
	index = f.index(t)
	if !reflect.DeepEqual(index["b@x.com"], []string{f.alice.OwnerID}) {
		t.Errorf("b@x.com dropped while still invited elsewhere: %v", index)
	}

	if _, err := f.sharing.SetGroupEmails(ctx, f.alice.OwnerID, "missing", nil); !errors.Is(err, cards.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestDeleteGroupRevokesShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.friendsGroup(t, "b@x.com")

	if err := f.sharing.DeleteGroup(ctx, f.alice.OwnerID, g.ID); err != nil {
		t.Fatal(err)
	}
	if index := f.index(t); len(index) != 0 {
		t.Errorf("index after delete = %v", index)
	}
	if view := f.sharedGroups(t, f.bob); len(view) != 0 {
		t.Errorf("deleted group still shared: %#v", view)
	}
	for _, c := range f.listCards(t, f.alice.OwnerID) {
		for _, id := range c.Groups {
			if id == g.ID {
				t.Errorf("card %s still references deleted group", c.Filename)
			}
		}
	}
}

func TestUsageSkipsDeletedGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.friendsGroup(t, "b@x.com")

	if err := f.sharing.ShowInMy(ctx, f.bob, f.alice.OwnerID, g.ID, true); err != nil {
		t.Fatal(err)
	}
	if usage := f.usage(t, f.alice.OwnerID); !reflect.DeepEqual(usage[g.ID], []string{"b@x.com"}) {
		t.Fatalf("usage before delete = %v", usage)
	}

	if err := f.sharing.DeleteGroup(ctx, f.alice.OwnerID, g.ID); err != nil {
		t.Fatal(err)
	}
	// Bob's showInMy still names the group; usage must not resurrect it.
	state, err := f.conn.LoadSharedState(ctx, f.bob.OwnerID)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.ShowInMy) != 1 {
		t.Fatalf("expected bob's stale showInMy entry to remain, got %v", state.ShowInMy)
	}
	if usage := f.usage(t, f.alice.OwnerID); len(usage) != 0 {
		t.Errorf("usage after delete = %v, want empty", usage)
	}
}

func TestSharedCardsAndCanView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.friendsGroup(t, "b@x.com")

	shared, err := f.sharing.SharedCards(ctx, f.bob, f.alice.OwnerID, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(shared) != 2 {
		t.Errorf("expected 2 shared cards, got %d", len(shared))
	}
	if _, err := f.sharing.SharedCards(ctx, f.carol, f.alice.OwnerID, g.ID); !errors.Is(err, sharing.ErrNotShared) {
		t.Errorf("expected ErrNotShared, got %v", err)
	}

	for _, c := range f.listCards(t, f.alice.OwnerID) {
		inGroup := len(c.Groups) == 1 && c.Groups[0] == g.ID
		ok, err := f.sharing.CanView(ctx, f.bob, f.alice.OwnerID, c.Filename)
		if err != nil {
			t.Fatal(err)
		}
		if ok != inGroup {
			t.Errorf("CanView(%s) = %v, want %v", c.OriginalName, ok, inGroup)
		}
		if ok, err := f.sharing.CanView(ctx, f.alice, f.alice.OwnerID, c.Filename); err != nil || !ok {
			t.Errorf("owner cannot view own card: %v", err)
		}
	}

	if err := f.sharing.ShowInMy(ctx, f.carol, f.alice.OwnerID, g.ID, true); !errors.Is(err, sharing.ErrNotShared) {
		t.Errorf("expected ErrNotShared for uninvited show, got %v", err)
	}
}
