package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns 16 random bytes as hex, optionally tagged with a prefix.
// Used for token jtis ("jti_...") and refresh token material.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
