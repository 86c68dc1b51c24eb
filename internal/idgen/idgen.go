// Package idgen provides identifier generation for platform records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// OrderID returns "ord_" followed by a ULID: a millisecond creation timestamp
// plus 80 random bits, so ids sort by creation time and never collide.
func OrderID() string {
	return "ord_" + ulid.Make().String()
}

// NegotiationID returns a time-sortable negotiation identifier.
func NegotiationID() string {
	return "neg_" + ulid.Make().String()
}

// New generates a random UUID (v4).
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "agt_", "sel_", "txn_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
