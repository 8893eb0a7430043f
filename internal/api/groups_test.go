package api_test

import (
	"net/http"
	"reflect"
	"testing"

	"github.com/anycard/anycard-go/internal/api"
	"github.com/anycard/anycard-go/internal/sharing"
	"github.com/anycard/anycard-go/internal/store"
)

func TestGroupCRUD(t *testing.T) {
	f := newFixture(t, nil)

	var views []api.GroupView
	decodeBody(t, f.do(t, http.MethodGet, "/api/groups", alice, nil), &views)
	if len(views) != 1 || views[0].ID != store.DefaultGroupID || views[0].Name != store.DefaultGroupName {
		t.Fatalf("expected only the default group, got %+v", views)
	}

	w := f.do(t, http.MethodPost, "/api/groups", alice, map[string]string{"name": "  Family "})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var g store.Group
	decodeBody(t, w, &g)
	if g.Name != "Family" || g.ID == "" {
		t.Errorf("unexpected group: %+v", g)
	}

	expectError(t, f.do(t, http.MethodPost, "/api/groups", alice, map[string]string{"name": " "}),
		http.StatusBadRequest, api.ReasonInvalidField)

	var invites sharing.GroupInvites
	decodeBody(t, f.do(t, http.MethodPatch, "/api/groups/"+g.ID, alice, map[string]string{"name": "Kin"}), &invites)
	if invites.Group.Name != "Kin" {
		t.Errorf("expected rename to Kin, got %q", invites.Group.Name)
	}

	f.mustUpload(t, alice, map[string]string{"groups": g.ID})
	decodeBody(t, f.do(t, http.MethodGet, "/api/groups", alice, nil), &views)
	if len(views) != 2 || views[1].Count != 1 || views[0].Count != 0 {
		t.Errorf("unexpected counts: %+v", views)
	}

	expectError(t, f.do(t, http.MethodDelete, "/api/groups/default", alice, nil), http.StatusBadRequest, api.ReasonDefaultGroup)
	expectError(t, f.do(t, http.MethodDelete, "/api/groups/ghost", alice, nil), http.StatusNotFound, api.ReasonNotFound)
	expectError(t, f.do(t, http.MethodPatch, "/api/groups/ghost", alice, map[string]string{"name": "x"}), http.StatusNotFound, api.ReasonNotFound)

	if w := f.do(t, http.MethodDelete, "/api/groups/"+g.ID, alice, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	decodeBody(t, f.do(t, http.MethodGet, "/api/groups", alice, nil), &views)
	if len(views) != 1 {
		t.Errorf("expected group removed, got %+v", views)
	}
}

func TestGroupLimit(t *testing.T) {
	f := newFixture(t, func(d *api.Deps) { d.Limits.MaxGroups = 2 })

	if w := f.do(t, http.MethodPost, "/api/groups", alice, map[string]string{"name": "one"}); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	expectError(t, f.do(t, http.MethodPost, "/api/groups", alice, map[string]string{"name": "two"}),
		http.StatusForbidden, api.ReasonLimitExceeded)
}

func TestGroupInvites(t *testing.T) {
	f := newFixture(t, nil)

	var g store.Group
	decodeBody(t, f.do(t, http.MethodPost, "/api/groups", alice, map[string]string{"name": "Friends"}), &g)

	var invites sharing.GroupInvites
	w := f.do(t, http.MethodPatch, "/api/groups/"+g.ID, alice, map[string]any{
		"emails": []string{"Bob@Example.com", "not-an-email", bob},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &invites)
	if !reflect.DeepEqual(invites.Group.Emails, []string{bob}) {
		t.Errorf("expected normalized [%s], got %v", bob, invites.Group.Emails)
	}
	if !reflect.DeepEqual(invites.Invalid, []string{"not-an-email"}) {
		t.Errorf("expected invalid entry reported, got %v", invites.Invalid)
	}

	// Bob hides the group; the owner sees the rejection and is warned when
	// re-inviting.
	path := "/api/shared/" + f.ownerID(alice) + "/" + g.ID + "/hide"
	if w := f.do(t, http.MethodPost, path, bob, map[string]bool{"hidden": true}); w.Code != http.StatusOK {
		t.Fatalf("hide: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var views []api.GroupView
	decodeBody(t, f.do(t, http.MethodGet, "/api/groups", alice, nil), &views)
	if len(views) != 2 || !reflect.DeepEqual(views[1].Rejected, []string{bob}) {
		t.Errorf("expected bob in rejected, got %+v", views)
	}

	decodeBody(t, f.do(t, http.MethodPatch, "/api/groups/"+g.ID, alice, map[string]any{
		"emails": []string{bob, carol},
	}), &invites)
	if !reflect.DeepEqual(invites.PreviouslyRejected, []string{bob}) {
		t.Errorf("expected bob previously rejected, got %v", invites.PreviouslyRejected)
	}
}
