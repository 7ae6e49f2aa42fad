package hash

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "timestamp", in: "Updated 2024-05-01T10:22:03Z daily", want: "Updated daily"},
		{name: "uuid", in: "ref 3f2b8c1e-9a4d-4c1b-8f7e-0d9c2b1a6e55 deal", want: "ref deal"},
		{name: "query string", in: "see https://shop.example/deal?utm_source=x&sid=9 now", want: "see https://shop.example/deal now"},
		{name: "whitespace", in: "  Two \n\t Tacos ", want: "Two Tacos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestCanonicalIgnoresOrderAndVolatileText(t *testing.T) {
	t.Parallel()

	a := pulse.ExtractedData{
		Prices: []pulse.PriceItem{
			{Name: "Burger", Price: decimal.RequireFromString("12.99")},
			{Name: "Fries", Price: decimal.RequireFromString("3.50")},
		},
		Promotions: []pulse.Promotion{{Title: "Happy Hour", Description: "as of 2024-05-01 10:00"}},
	}
	b := pulse.ExtractedData{
		Prices: []pulse.PriceItem{
			{Name: "Fries", Price: decimal.RequireFromString("3.5")},
			{Name: " Burger ", Price: decimal.RequireFromString("12.990")},
		},
		Promotions: []pulse.Promotion{{Title: "Happy  Hour", Description: "as of 2024-06-11 09:30"}},
	}

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
}

func TestCanonicalDetectsPriceMove(t *testing.T) {
	t.Parallel()

	before := pulse.ExtractedData{Prices: []pulse.PriceItem{{Name: "Burger", Price: decimal.RequireFromString("12.99")}}}
	after := pulse.ExtractedData{Prices: []pulse.PriceItem{{Name: "Burger", Price: decimal.RequireFromString("10.99")}}}

	cb, err := Canonical(before)
	require.NoError(t, err)
	ca, err := Canonical(after)
	require.NoError(t, err)
	require.NotEqual(t, string(cb), string(ca))
}
