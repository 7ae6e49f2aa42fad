// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestHasherHashExtractedStable(t *testing.T) {
	t.Parallel()

	h := New()
	first, err := h.HashExtracted(pulse.ExtractedData{
		Prices: []pulse.PriceItem{
			{Name: "Burger", Price: decimal.RequireFromString("12.99")},
			{Name: "Fries", Price: decimal.RequireFromString("3.50")},
		},
	})
	if err != nil {
		t.Fatalf("HashExtracted() error = %v", err)
	}
	second, err := h.HashExtracted(pulse.ExtractedData{
		Prices: []pulse.PriceItem{
			{Name: "Fries", Price: decimal.RequireFromString("3.5")},
			{Name: "Burger", Price: decimal.RequireFromString("12.99")},
		},
	})
	if err != nil {
		t.Fatalf("HashExtracted() error = %v", err)
	}
	if first != second {
		t.Fatalf("expected equal hashes, got %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
}
