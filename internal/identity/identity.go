// Package identity models the two spendable address spaces of the
// platform: individual users and service organizations.
//
// The raw string form distinguishes the two with an "org_" prefix. That
// prefix is parsed exactly once, at the API boundary; everything below
// the handlers works with the typed Identity and never re-inspects the
// string.
package identity

import (
	"errors"
	"strings"
)

var ErrEmpty = errors.New("identity: empty identifier")

// Kind says which address space an identity belongs to.
type Kind string

const (
	KindUser         Kind = "user"
	KindOrganization Kind = "organization"
)

// OrgPrefix marks organization identifiers in their wire form.
const OrgPrefix = "org_"

// Identity is a resolved user or organization identifier. The zero
// value is invalid; construct via Parse, User, or Organization.
type Identity struct {
	kind Kind
	id   string
}

// Parse resolves a raw identifier string into a typed Identity.
func Parse(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrEmpty
	}
	if strings.HasPrefix(raw, OrgPrefix) {
		return Identity{kind: KindOrganization, id: raw}, nil
	}
	return Identity{kind: KindUser, id: raw}, nil
}

// User constructs an individual-user identity.
func User(id string) Identity {
	return Identity{kind: KindUser, id: id}
}

// Organization constructs an organization identity. The id keeps its
// org_ prefix so String round-trips to the wire form.
func Organization(id string) Identity {
	if !strings.HasPrefix(id, OrgPrefix) {
		id = OrgPrefix + id
	}
	return Identity{kind: KindOrganization, id: id}
}

// Kind returns the address space of the identity.
func (i Identity) Kind() Kind { return i.kind }

// IsOrganization reports whether the identity is a service organization.
func (i Identity) IsOrganization() bool { return i.kind == KindOrganization }

// OrgID returns the organization identifier without its wire prefix,
// or "" for user identities.
func (i Identity) OrgID() string {
	if i.kind != KindOrganization {
		return ""
	}
	return strings.TrimPrefix(i.id, OrgPrefix)
}

// String returns the wire form of the identifier.
func (i Identity) String() string { return i.id }

// IsZero reports whether the identity was never constructed.
func (i Identity) IsZero() bool { return i.id == "" }
