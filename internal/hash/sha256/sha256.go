// Package sha256 computes content digests used to name archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	// Length truncates the hex digest; zero keeps all 64 characters.
	Length int
}

// New returns a SHA-256 hasher producing digests of the given hex length.
func New(length int) *Hasher {
	if length < 0 || length > hex.EncodedLen(sha256.Size) {
		length = 0
	}
	return &Hasher{Length: length}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 {
		digest = digest[:h.Length]
	}
	return digest, nil
}
