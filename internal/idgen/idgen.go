// Package idgen generates the 32-character lowercase hex identifiers used
// throughout substrat for sessions, agents, messages, and workspaces.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a fresh random identifier: a version-4 UUID rendered as 32
// lowercase hex characters with no separators.
func New() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Sentinel identifiers reserved for daemon- and user-originated messages.
// They may appear as a MessageEnvelope sender or recipient but never as a
// tree node; Router special-cases them to bypass one-hop validation.
var (
	System = mustFixed(0x00)
	User   = mustFixed(0x01)
)

// mustFixed builds a 32-hex identifier whose bytes are all zero except the
// low byte, which is set to `low`. This keeps the sentinels visually distinct
// from randomly generated ids while remaining valid 16-byte identifiers.
func mustFixed(low byte) string {
	var b [16]byte
	b[15] = low
	return hex.EncodeToString(b[:])
}

// Valid reports whether s looks like an identifier minted by New (32 lowercase
// hex characters).
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
