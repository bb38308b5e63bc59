package identity

import "testing"

func TestParse_User(t *testing.T) {
	id, err := Parse("alice@example.com")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if id.Kind() != KindUser {
		t.Errorf("kind = %s, want user", id.Kind())
	}
	if id.IsOrganization() {
		t.Error("user identity reported as organization")
	}
	if id.String() != "alice@example.com" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestParse_Organization(t *testing.T) {
	id, err := Parse("org_acme")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !id.IsOrganization() {
		t.Error("org identity not recognized")
	}
	if id.String() != "org_acme" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := Parse("  "); err != ErrEmpty {
		t.Errorf("err = %v, want ErrEmpty", err)
	}
}

func TestOrganization_AddsPrefix(t *testing.T) {
	if got := Organization("acme").String(); got != "org_acme" {
		t.Errorf("Organization(acme) = %q", got)
	}
	if got := Organization("org_acme").String(); got != "org_acme" {
		t.Errorf("Organization(org_acme) = %q", got)
	}
}

func TestZero(t *testing.T) {
	var id Identity
	if !id.IsZero() {
		t.Error("zero identity not detected")
	}
	if User("u1").IsZero() {
		t.Error("constructed identity reported zero")
	}
}
