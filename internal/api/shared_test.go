package api_test

import (
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/anycard/anycard-go/internal/api"
	"github.com/anycard/anycard-go/internal/cards"
	"github.com/anycard/anycard-go/internal/sharing"
	"github.com/anycard/anycard-go/internal/store"
)

// shareWithBob has alice create a "Friends" group holding one card and
// invite bob. It returns the group and the card filename.
func shareWithBob(t *testing.T, f *fixture) (store.Group, string) {
	t.Helper()
	var g store.Group
	decodeBody(t, f.do(t, http.MethodPost, "/api/groups", alice, map[string]string{"name": "Friends"}), &g)
	filename := f.mustUpload(t, alice, map[string]string{"groups": g.ID})
	f.mustUpload(t, alice, nil)
	if w := f.do(t, http.MethodPatch, "/api/groups/"+g.ID, alice, map[string]any{"emails": []string{bob}}); w.Code != http.StatusOK {
		t.Fatalf("invite: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return g, filename
}

func TestSharedFlow(t *testing.T) {
	f := newFixture(t, nil)
	g, filename := shareWithBob(t, f)
	base := "/api/shared/" + f.ownerID(alice) + "/" + g.ID

	var shared []sharing.SharedGroup
	decodeBody(t, f.do(t, http.MethodGet, "/api/shared", bob, nil), &shared)
	if len(shared) != 1 {
		t.Fatalf("expected 1 shared group, got %+v", shared)
	}
	if s := shared[0]; s.ID != g.ID || s.OwnerEmail != alice || s.Count != 1 || s.ShowInMy {
		t.Errorf("unexpected shared group: %+v", s)
	}

	var list []cards.Card
	decodeBody(t, f.do(t, http.MethodGet, base+"/cards", bob, nil), &list)
	if len(list) != 1 || list[0].Filename != filename {
		t.Errorf("expected only the shared card, got %+v", list)
	}

	if w := f.do(t, http.MethodPost, base+"/show", bob, map[string]bool{"show": true}); w.Code != http.StatusOK {
		t.Fatalf("show: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var usage map[string][]string
	decodeBody(t, f.do(t, http.MethodGet, "/api/groups/usage", alice, nil), &usage)
	if !reflect.DeepEqual(usage[g.ID], []string{bob}) {
		t.Errorf("expected bob in usage, got %v", usage)
	}

	if w := f.do(t, http.MethodPost, base+"/hide", bob, map[string]bool{"hidden": true}); w.Code != http.StatusOK {
		t.Fatalf("hide: expected 200, got %d", w.Code)
	}
	decodeBody(t, f.do(t, http.MethodGet, "/api/shared", bob, nil), &shared)
	if len(shared) != 0 {
		t.Errorf("hidden group must not be listed, got %+v", shared)
	}
	usage = nil
	decodeBody(t, f.do(t, http.MethodGet, "/api/groups/usage", alice, nil), &usage)
	if len(usage[g.ID]) != 0 {
		t.Errorf("hiding must clear usage, got %v", usage)
	}

	expectError(t, f.do(t, http.MethodPost, base+"/hide", bob, map[string]string{}), http.StatusBadRequest, api.ReasonMissingField)
	expectError(t, f.do(t, http.MethodPost, base+"/show", bob, map[string]string{}), http.StatusBadRequest, api.ReasonMissingField)
}

func TestSharedRequiresInvite(t *testing.T) {
	f := newFixture(t, nil)
	g, _ := shareWithBob(t, f)
	base := "/api/shared/" + f.ownerID(alice) + "/" + g.ID

	var shared []sharing.SharedGroup
	decodeBody(t, f.do(t, http.MethodGet, "/api/shared", carol, nil), &shared)
	if len(shared) != 0 {
		t.Errorf("carol is not invited, got %+v", shared)
	}

	expectError(t, f.do(t, http.MethodGet, base+"/cards", carol, nil), http.StatusForbidden, api.ReasonNotShared)
	expectError(t, f.do(t, http.MethodPost, base+"/hide", carol, map[string]bool{"hidden": true}), http.StatusForbidden, api.ReasonNotShared)
	expectError(t, f.do(t, http.MethodPost, base+"/show", carol, map[string]bool{"show": true}), http.StatusForbidden, api.ReasonNotShared)

	// Revoking the invite revokes access.
	f.do(t, http.MethodPatch, "/api/groups/"+g.ID, alice, map[string]any{"emails": []string{}})
	expectError(t, f.do(t, http.MethodGet, base+"/cards", bob, nil), http.StatusForbidden, api.ReasonNotShared)
}

func TestFileAccess(t *testing.T) {
	f := newFixture(t, nil)
	_, shared := shareWithBob(t, f)
	owner := f.ownerID(alice)

	var all []cards.Card
	decodeBody(t, f.do(t, http.MethodGet, "/api/cards", alice, nil), &all)
	var private string
	for _, c := range all {
		if c.Filename != shared {
			private = c.Filename
		}
	}

	tests := []struct {
		name   string
		email  string
		path   string
		status int
	}{
		{"owner original", alice, "/files/" + owner + "/" + private, http.StatusOK},
		{"owner preview", alice, "/files/" + owner + "/previews/" + private, http.StatusOK},
		{"invitee shared original", bob, "/files/" + owner + "/" + shared, http.StatusOK},
		{"invitee shared preview", bob, "/files/" + owner + "/previews/" + shared, http.StatusOK},
		{"invitee private card", bob, "/files/" + owner + "/" + private, http.StatusNotFound},
		{"stranger", carol, "/files/" + owner + "/" + shared, http.StatusNotFound},
		{"missing file", alice, "/files/" + owner + "/missing.png", http.StatusNotFound},
		{"unknown owner", bob, "/files/nobody/" + shared, http.StatusNotFound},
		{"dot owner", alice, "/files/../" + private, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tt.path, tt.email, nil)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status == http.StatusOK && !strings.HasPrefix(w.Header().Get("Content-Type"), "image/") {
				t.Errorf("expected image content type, got %q", w.Header().Get("Content-Type"))
			}
		})
	}
}
