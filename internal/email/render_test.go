package email

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

func TestRendererAlertTemplate(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer()
	require.NoError(t, err)

	cid := "c1"
	a := pulse.Alert{
		ID:           "a1",
		CompetitorID: &cid,
		Type:         pulse.AlertPriceChange,
		Message:      "Tom's Diner lowered 1 price",
		Details: pulse.PriceChangeDetails{Updated: []pulse.PriceUpdate{{
			Item:     "Burger",
			OldPrice: decimal.RequireFromString("12.99"),
			NewPrice: decimal.RequireFromString("10.99"),
			Currency: "USD",
			Reduced:  true,
		}}},
	}
	entry := NewAlertEmail("e1", pulse.Recipient{UserID: "u1", Email: "owner@example.com"},
		pulse.Competitor{ID: cid, Name: "Tom's Diner", URL: "https://toms.example.com"},
		a, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), 3, "https://app.example.com")

	out, err := r.Render(entry.TemplateName, entry.TemplateData)
	require.NoError(t, err)
	require.Equal(t, "Tom's Diner: Tom's Diner lowered 1 price", out.Subject)
	require.Contains(t, out.HTML, "Burger: $12.99 -&gt; $10.99 (down)")
	require.Contains(t, out.HTML, `href="https://app.example.com"`)
}

func TestRendererWeeklySummaryTemplate(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render(TemplateWeeklySummary, map[string]any{
		"period_start":  "Apr 24",
		"period_end":    "May 1",
		"total":         3,
		"counts":        []map[string]any{{"label": "Price changes", "count": 2}, {"label": "Menu changes", "count": 1}},
		"recent":        []string{"Rival cut the Burger price"},
		"dashboard_url": "",
	})
	require.NoError(t, err)
	require.Equal(t, "Your weekly competitor summary: 3 changes", out.Subject)
	require.Contains(t, out.HTML, "<td>Price changes</td><td>2</td>")
	require.NotContains(t, out.HTML, "Open your dashboard")
}

func TestRendererErrors(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Render("invoice", nil)
	require.ErrorContains(t, err, "unknown template")

	_, err = r.Render(TemplatePasswordReset, map[string]any{})
	require.Error(t, err, "missing keys fail rendering")
}

func TestDetailLines(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"Added: Salad", "Removed: Soup"},
		DetailLines(pulse.MenuChangeDetails{Added: []string{"Salad"}, Removed: []string{"Soup"}}))
	require.Equal(t, []string{"BOGO: Tuesdays only"},
		DetailLines(pulse.PromotionDetails{Promotion: pulse.Promotion{Title: "BOGO", Description: "Tuesdays only"}}))
	require.Empty(t, DetailLines(nil))
}
