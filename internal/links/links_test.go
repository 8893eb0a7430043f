package links_test

import (
	"context"
	"errors"
	"testing"

	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/links"
	"github.com/anycard/anycard-go/internal/store"
	_ "github.com/anycard/anycard-go/internal/store/fs"
	"github.com/anycard/anycard-go/internal/store/testutil"
)

func newService(t *testing.T) *links.Service {
	t.Helper()
	conn := testutil.NewConnector(t, &store.DriverConfig{Driver: "fs", DataDir: t.TempDir()})
	return links.New(conn)
}

func TestLinkAndLookup(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	ok, err := svc.Link(ctx, "Bob@X.com", "42", links.Profile{Username: "bob", FirstName: "Bob"})
	if err != nil || !ok {
		t.Fatalf("Link = %v, %v", ok, err)
	}

	got, err := svc.FindByExternalID(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Email != "bob@x.com" || got.Username != "bob" {
		t.Fatalf("FindByExternalID = %#v", got)
	}
	if got.Active || got.LeftAt != nil {
		t.Errorf("new link must wait for a membership event, got active=%v leftAt=%v", got.Active, got.LeftAt)
	}
	if active, err := svc.IsActive(ctx, "bob@x.com"); err != nil || active {
		t.Errorf("IsActive before membership = %v, %v", active, err)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("RegisteredAt not set")
	}

	byEmail, err := svc.FindByEmail(ctx, "BOB@x.com")
	if err != nil || byEmail == nil || byEmail.ExternalID != "42" {
		t.Errorf("FindByEmail = %#v, %v", byEmail, err)
	}

	missing, err := svc.FindByExternalID(ctx, "7")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown id, got %#v, %v", missing, err)
	}
}

func TestLinkRejectsClaimedID(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if ok, _ := svc.Link(ctx, "a@x.com", "42", links.Profile{}); !ok {
		t.Fatal("first link failed")
	}
	ok, err := svc.Link(ctx, "b@x.com", "42", links.Profile{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second email linked to a claimed id")
	}
	if l, _ := svc.FindByEmail(ctx, "b@x.com"); l != nil {
		t.Errorf("b@x.com should have no link, got %#v", l)
	}
}

func TestLinkValidatesInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if _, err := svc.Link(ctx, "not an email", "1", links.Profile{}); !errors.Is(err, identity.ErrInvalidEmail) {
		t.Errorf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := svc.Link(ctx, "a@x.com", "  ", links.Profile{}); !errors.Is(err, store.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestSetActive(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if _, err := svc.Link(ctx, "a@x.com", "42", links.Profile{}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		id     string
		active bool
		found  bool
	}{
		{"join", "42", true, true},
		{"leave", "42", false, true},
		{"rejoin", "42", true, true},
		{"unknown", "99", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := svc.SetActive(ctx, tt.id, tt.active)
			if err != nil {
				t.Fatal(err)
			}
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if !found {
				return
			}
			active, _ := svc.IsActive(ctx, "a@x.com")
			if active != tt.active {
				t.Errorf("IsActive = %v, want %v", active, tt.active)
			}
			link, _ := svc.FindByExternalID(ctx, tt.id)
			if (link.LeftAt == nil) != tt.active {
				t.Errorf("LeftAt = %v with active=%v", link.LeftAt, tt.active)
			}
		})
	}

	if active, err := svc.IsActive(ctx, "nobody@x.com"); err != nil || active {
		t.Errorf("IsActive(unlinked) = %v, %v", active, err)
	}
}
