package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

var competitor = pulse.Competitor{ID: "comp-1", BusinessID: "biz-1", Name: "Joe's Diner"}

func snapshot(id, hash string, data pulse.ExtractedData) pulse.PriceSnapshot {
	return pulse.PriceSnapshot{
		ID:            id,
		CompetitorID:  competitor.ID,
		ExtractedData: data,
		SnapshotHash:  hash,
		DetectedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func price(name, amount string) pulse.PriceItem {
	return pulse.PriceItem{Name: name, Price: decimal.RequireFromString(amount), Currency: "USD"}
}

func TestDetectBaselineProducesNothing(t *testing.T) {
	t.Parallel()

	next := snapshot("s1", "h1", pulse.ExtractedData{Prices: []pulse.PriceItem{price("Burger", "12.99")}})
	require.Empty(t, New().Detect(competitor, nil, next))
}

func TestDetectSameHashShortCircuits(t *testing.T) {
	t.Parallel()

	prev := snapshot("s1", "h1", pulse.ExtractedData{Prices: []pulse.PriceItem{price("Burger", "12.99")}})
	// Different content under the same hash must still be ignored.
	next := snapshot("s2", "h1", pulse.ExtractedData{Prices: []pulse.PriceItem{price("Burger", "1.00")}})
	require.Empty(t, New().Detect(competitor, &prev, next))
}

func TestDetectIdenticalDataProducesNothing(t *testing.T) {
	t.Parallel()

	data := pulse.ExtractedData{
		Prices:     []pulse.PriceItem{price("Burger", "12.99")},
		Promotions: []pulse.Promotion{{Title: "Taco Tuesday"}},
		MenuItems:  []pulse.MenuItem{{Name: "Burger"}},
	}
	prev := snapshot("s1", "h1", data)
	next := snapshot("s2", "h2", data)
	require.Empty(t, New().Detect(competitor, &prev, next))
}

func TestDetectPriceDrop(t *testing.T) {
	t.Parallel()

	prev := snapshot("s1", "h1", pulse.ExtractedData{Prices: []pulse.PriceItem{price("Burger", "12.99")}})
	next := snapshot("s2", "h2", pulse.ExtractedData{Prices: []pulse.PriceItem{price("Burger", "10.99")}})

	alerts := New().Detect(competitor, &prev, next)
	require.Len(t, alerts, 1)

	a := alerts[0]
	require.Equal(t, pulse.AlertPriceChange, a.Type)
	require.Equal(t, "biz-1", a.BusinessID)
	require.Equal(t, "s2", a.SnapshotID)
	require.NotNil(t, a.CompetitorID)
	require.Equal(t, "comp-1", *a.CompetitorID)
	require.Contains(t, a.Message, "$12.99")
	require.Contains(t, a.Message, "$10.99")

	details, ok := a.Details.(pulse.PriceChangeDetails)
	require.True(t, ok)
	require.Len(t, details.Updated, 1)
	u := details.Updated[0]
	require.Equal(t, "Burger", u.Item)
	require.True(t, u.OldPrice.Equal(decimal.RequireFromString("12.99")))
	require.True(t, u.NewPrice.Equal(decimal.RequireFromString("10.99")))
	require.True(t, u.Reduced)
}

func TestDetectPriceChangesAreGroupedAndSorted(t *testing.T) {
	t.Parallel()

	prev := snapshot("s1", "h1", pulse.ExtractedData{Prices: []pulse.PriceItem{
		price("Fries", "3.50"), price("burger", "12.99"), price("Shake", "5.00"),
	}})
	next := snapshot("s2", "h2", pulse.ExtractedData{Prices: []pulse.PriceItem{
		price("Shake", "5.0"), price("Burger", "13.49"), price("Fries", "2.99"), price("Salad", "8.00"),
	}})

	alerts := New().Detect(competitor, &prev, next)
	require.Len(t, alerts, 1)
	details := alerts[0].Details.(pulse.PriceChangeDetails)
	require.Len(t, details.Updated, 2)
	require.Equal(t, "Burger", details.Updated[0].Item)
	require.False(t, details.Updated[0].Reduced)
	require.Equal(t, "Fries", details.Updated[1].Item)
	require.True(t, details.Updated[1].Reduced)
	require.Contains(t, alerts[0].Message, "changed 2 prices")
}

func TestDetectOnlyNewPromotions(t *testing.T) {
	t.Parallel()

	prev := snapshot("s1", "h1", pulse.ExtractedData{Promotions: []pulse.Promotion{{Title: "Taco Tuesday"}}})
	next := snapshot("s2", "h2", pulse.ExtractedData{Promotions: []pulse.Promotion{
		{Title: "  taco tuesday "},
		{Title: "Happy Hour", Description: "2-for-1 drinks"},
	}})

	alerts := New().Detect(competitor, &prev, next)
	require.Len(t, alerts, 1)
	require.Equal(t, pulse.AlertNewPromotion, alerts[0].Type)
	details := alerts[0].Details.(pulse.PromotionDetails)
	require.Equal(t, "Happy Hour", details.Promotion.Title)
	require.Equal(t, "2-for-1 drinks", details.Promotion.Description)
}

func TestDetectMenuChanges(t *testing.T) {
	t.Parallel()

	prev := snapshot("s1", "h1", pulse.ExtractedData{MenuItems: []pulse.MenuItem{{Name: "Burger"}, {Name: "Wrap"}}})
	next := snapshot("s2", "h2", pulse.ExtractedData{MenuItems: []pulse.MenuItem{{Name: "burger"}, {Name: "Salad"}, {Name: "Bowl"}}})

	alerts := New().Detect(competitor, &prev, next)
	require.Len(t, alerts, 1)
	require.Equal(t, pulse.AlertMenuChange, alerts[0].Type)
	details := alerts[0].Details.(pulse.MenuChangeDetails)
	require.Equal(t, []string{"Bowl", "Salad"}, details.Added)
	require.Equal(t, []string{"Wrap"}, details.Removed)
}

func TestDetectEmissionOrder(t *testing.T) {
	t.Parallel()

	prev := snapshot("s1", "h1", pulse.ExtractedData{
		Prices:    []pulse.PriceItem{price("Burger", "12.99")},
		MenuItems: []pulse.MenuItem{{Name: "Burger"}},
	})
	next := snapshot("s2", "h2", pulse.ExtractedData{
		Prices:     []pulse.PriceItem{price("Burger", "11.99")},
		Promotions: []pulse.Promotion{{Title: "Zesty Friday"}, {Title: "Army Discount"}},
		MenuItems:  []pulse.MenuItem{{Name: "Burger"}, {Name: "Hot Dog"}},
	})

	alerts := New().Detect(competitor, &prev, next)
	require.Len(t, alerts, 4)
	require.Equal(t, pulse.AlertPriceChange, alerts[0].Type)
	require.Equal(t, pulse.AlertNewPromotion, alerts[1].Type)
	require.Equal(t, "Army Discount", alerts[1].Details.(pulse.PromotionDetails).Promotion.Title)
	require.Equal(t, "Zesty Friday", alerts[2].Details.(pulse.PromotionDetails).Promotion.Title)
	require.Equal(t, pulse.AlertMenuChange, alerts[3].Type)

	keys := map[string]struct{}{}
	for _, a := range alerts {
		keys[string(a.Type)+"|"+a.DedupeKey] = struct{}{}
	}
	require.Len(t, keys, 4)
}
