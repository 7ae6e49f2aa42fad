// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/JakeFAU/marketpulse/internal/hash"
	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Hasher implements pulse.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashExtracted returns the normalized snapshot hash of extracted page data.
func (h *Hasher) HashExtracted(data pulse.ExtractedData) (string, error) {
	canonical, err := hash.Canonical(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize extracted data: %w", err)
	}
	return h.Hash(canonical)
}
