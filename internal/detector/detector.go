// Package detector compares consecutive snapshots of a competitor page and emits typed alerts.
package detector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Detector turns snapshot pairs into alerts. It holds no state and is safe for
// concurrent use.
type Detector struct{}

// New creates a Detector.
func New() *Detector {
	return &Detector{}
}

// Detect returns the alerts for moving from prev to next. A nil prev is the
// baseline crawl and yields nothing, as does an unchanged snapshot hash.
// Alerts come out as price, then promotions by title, then menu.
func (d *Detector) Detect(competitor pulse.Competitor, prev *pulse.PriceSnapshot, next pulse.PriceSnapshot) []pulse.Alert {
	if prev == nil {
		return nil
	}
	if prev.SnapshotHash != "" && prev.SnapshotHash == next.SnapshotHash {
		return nil
	}

	var alerts []pulse.Alert
	if a, ok := priceAlert(competitor, prev.ExtractedData, next.ExtractedData); ok {
		alerts = append(alerts, a)
	}
	alerts = append(alerts, promotionAlerts(competitor, prev.ExtractedData, next.ExtractedData)...)
	if a, ok := menuAlert(competitor, prev.ExtractedData, next.ExtractedData); ok {
		alerts = append(alerts, a)
	}

	for i := range alerts {
		alerts[i].BusinessID = competitor.BusinessID
		alerts[i].SnapshotID = next.ID
		alerts[i].CreatedAt = next.DetectedAt
		if competitor.ID != "" {
			id := competitor.ID
			alerts[i].CompetitorID = &id
		}
	}
	return alerts
}

func priceAlert(c pulse.Competitor, prev, next pulse.ExtractedData) (pulse.Alert, bool) {
	old := make(map[string]pulse.PriceItem, len(prev.Prices))
	for _, p := range prev.Prices {
		old[itemKey(p.Name)] = p
	}

	var updated []pulse.PriceUpdate
	seen := make(map[string]struct{}, len(next.Prices))
	for _, p := range next.Prices {
		key := itemKey(p.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		before, ok := old[key]
		if !ok || before.Price.Equal(p.Price) {
			continue
		}
		currency := p.Currency
		if currency == "" {
			currency = before.Currency
		}
		updated = append(updated, pulse.PriceUpdate{
			Item:     strings.TrimSpace(p.Name),
			OldPrice: before.Price,
			NewPrice: p.Price,
			Currency: currency,
			Reduced:  p.Price.LessThan(before.Price),
		})
	}
	if len(updated) == 0 {
		return pulse.Alert{}, false
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].Item < updated[j].Item })

	return pulse.Alert{
		Type:      pulse.AlertPriceChange,
		Message:   priceMessage(c, updated),
		Details:   pulse.PriceChangeDetails{Updated: updated},
		DedupeKey: string(pulse.AlertPriceChange),
	}, true
}

func priceMessage(c pulse.Competitor, updated []pulse.PriceUpdate) string {
	if len(updated) == 1 {
		u := updated[0]
		verb := "raised"
		if u.Reduced {
			verb = "dropped"
		}
		return fmt.Sprintf("%s %s the price of %s from %s to %s",
			displayName(c), verb, u.Item, pulse.FormatPrice(u.OldPrice, u.Currency),
			pulse.FormatPrice(u.NewPrice, u.Currency))
	}
	reduced := 0
	for _, u := range updated {
		if u.Reduced {
			reduced++
		}
	}
	return fmt.Sprintf("%s changed %d prices (%d reduced, %d increased)",
		displayName(c), len(updated), reduced, len(updated)-reduced)
}

func promotionAlerts(c pulse.Competitor, prev, next pulse.ExtractedData) []pulse.Alert {
	known := make(map[string]struct{}, len(prev.Promotions))
	for _, p := range prev.Promotions {
		known[itemKey(p.Title)] = struct{}{}
	}

	fresh := make([]pulse.Promotion, 0)
	for _, p := range next.Promotions {
		key := itemKey(p.Title)
		if key == "" {
			continue
		}
		if _, ok := known[key]; ok {
			continue
		}
		known[key] = struct{}{}
		fresh = append(fresh, pulse.Promotion{
			Title:       strings.TrimSpace(p.Title),
			Description: strings.TrimSpace(p.Description),
		})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Title < fresh[j].Title })

	alerts := make([]pulse.Alert, 0, len(fresh))
	for _, p := range fresh {
		alerts = append(alerts, pulse.Alert{
			Type:      pulse.AlertNewPromotion,
			Message:   fmt.Sprintf("%s started a new promotion: %s", displayName(c), p.Title),
			Details:   pulse.PromotionDetails{Promotion: p},
			DedupeKey: string(pulse.AlertNewPromotion) + ":" + itemKey(p.Title),
		})
	}
	return alerts
}

func menuAlert(c pulse.Competitor, prev, next pulse.ExtractedData) (pulse.Alert, bool) {
	before := nameSet(prev.MenuItems)
	after := nameSet(next.MenuItems)

	var added, removed []string
	for key, name := range after {
		if _, ok := before[key]; !ok {
			added = append(added, name)
		}
	}
	for key, name := range before {
		if _, ok := after[key]; !ok {
			removed = append(removed, name)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return pulse.Alert{}, false
	}
	sort.Strings(added)
	sort.Strings(removed)
	if added == nil {
		added = []string{}
	}
	if removed == nil {
		removed = []string{}
	}

	return pulse.Alert{
		Type: pulse.AlertMenuChange,
		Message: fmt.Sprintf("%s updated its menu: %d added, %d removed",
			displayName(c), len(added), len(removed)),
		Details:   pulse.MenuChangeDetails{Added: added, Removed: removed},
		DedupeKey: string(pulse.AlertMenuChange),
	}, true
}

func nameSet(items []pulse.MenuItem) map[string]string {
	out := make(map[string]string, len(items))
	for _, m := range items {
		key := itemKey(m.Name)
		if key == "" {
			continue
		}
		if _, ok := out[key]; !ok {
			out[key] = strings.TrimSpace(m.Name)
		}
	}
	return out
}

// itemKey matches names case-insensitively with whitespace collapsed.
func itemKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func displayName(c pulse.Competitor) string {
	if c.Name != "" {
		return c.Name
	}
	if c.URL != "" {
		return c.URL
	}
	return "A competitor"
}
