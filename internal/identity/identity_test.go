package identity_test

import (
	"errors"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/anycard/anycard-go/internal/identity"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"alice@example.com", "alice@example.com", false},
		{"  Alice@Example.COM ", "alice@example.com", false},
		{"not-an-email", "", true},
		{"Alice <alice@example.com>", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := identity.NormalizeEmail(tt.in)
			if tt.wantErr {
				if !errors.Is(err, identity.ErrInvalidEmail) {
					t.Errorf("expected ErrInvalidEmail, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeEmails(t *testing.T) {
	valid, rejected := identity.NormalizeEmails([]string{"B@x.com", "b@x.com", "", "bad", "c@x.com"})
	if !reflect.DeepEqual(valid, []string{"b@x.com", "c@x.com"}) {
		t.Errorf("valid = %v", valid)
	}
	if !reflect.DeepEqual(rejected, []string{"bad"}) {
		t.Errorf("rejected = %v", rejected)
	}
}

func TestOwnerIDs(t *testing.T) {
	ids := identity.NewOwnerIDs("salt")
	a := ids.Derive("alice@example.com")
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a != ids.Derive("alice@example.com") {
		t.Error("derivation is not stable")
	}
	if a == ids.Derive("bob@example.com") {
		t.Error("different emails produced the same id")
	}
	if a == identity.NewOwnerIDs("other").Derive("alice@example.com") {
		t.Error("different salts produced the same id")
	}

	long := identity.NewOwnerIDs(string(make([]byte, 200)))
	if long.Derive("alice@example.com") == "" {
		t.Error("expected id for long salt")
	}
}

func TestHeaderResolver(t *testing.T) {
	ids := identity.NewOwnerIDs("salt")
	res := &identity.HeaderResolver{Owners: ids}

	r := httptest.NewRequest("GET", "/", nil)
	if _, err := res.Resolve(r); !errors.Is(err, identity.ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}

	r.Header.Set("X-Forwarded-Email", "Alice@Example.com")
	r.Header.Set("X-Forwarded-User", "Alice")
	p, err := res.Resolve(r)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.Email != "alice@example.com" || p.Name != "Alice" {
		t.Errorf("unexpected principal %#v", p)
	}
	if p.OwnerID != ids.Derive("alice@example.com") {
		t.Error("owner id does not match derivation")
	}

	custom := &identity.HeaderResolver{EmailHeader: "X-Auth-Email", Owners: ids}
	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Auth-Email", "garbage")
	if _, err := custom.Resolve(r); !errors.Is(err, identity.ErrInvalidEmail) {
		t.Errorf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestAdminAuth(t *testing.T) {
	token, err := identity.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	hash, err := identity.HashToken(token, 4) // Low cost for fast tests
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	if hash == token {
		t.Error("hash should not equal token")
	}

	auth := identity.NewAdminAuth(hash)
	if !auth.Enabled() {
		t.Error("expected enabled")
	}
	if err := auth.Verify(token); err != nil {
		t.Errorf("Verify failed for correct token: %v", err)
	}
	if err := auth.Verify("wrong"); err != identity.ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	disabled := identity.NewAdminAuth("")
	if disabled.Enabled() {
		t.Error("expected disabled without hash")
	}
	if err := disabled.Verify(token); err != identity.ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken when disabled, got %v", err)
	}
}
