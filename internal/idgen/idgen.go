// Package idgen generates cryptographically random identifiers for
// ledger rows.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes). The
// prefixes in use are "txn_" for transactions, "alloc_" for member
// allocations, "evt_" for attribution events, and "pur_" for purchases.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
