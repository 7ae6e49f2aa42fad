// Package hash normalizes extracted page data before it is digested, so that
// volatile markup does not register as a content change.
package hash

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

var (
	isoTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?`)
	uuidPattern  = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	urlQuery     = regexp.MustCompile(`(https?://[^\s?#"']+)\?[^\s"'#]*`)
	whitespace   = regexp.MustCompile(`\s+`)
)

type canonicalPrice struct {
	Name     string `json:"n"`
	Price    string `json:"p"`
	Currency string `json:"c"`
}

type canonicalPromotion struct {
	Title       string `json:"t"`
	Description string `json:"d"`
}

type canonicalMenuItem struct {
	Name     string `json:"n"`
	Category string `json:"c"`
}

type canonicalData struct {
	Prices     []canonicalPrice     `json:"prices"`
	Promotions []canonicalPromotion `json:"promotions"`
	MenuItems  []canonicalMenuItem  `json:"menu"`
}

// Clean strips timestamps, UUIDs and URL query strings and collapses whitespace.
func Clean(s string) string {
	s = urlQuery.ReplaceAllString(s, "$1")
	s = isoTimestamp.ReplaceAllString(s, "")
	s = uuidPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// Canonical renders data in an order-independent, volatility-free form.
func Canonical(data pulse.ExtractedData) ([]byte, error) {
	out := canonicalData{
		Prices:     make([]canonicalPrice, 0, len(data.Prices)),
		Promotions: make([]canonicalPromotion, 0, len(data.Promotions)),
		MenuItems:  make([]canonicalMenuItem, 0, len(data.MenuItems)),
	}
	for _, p := range data.Prices {
		out.Prices = append(out.Prices, canonicalPrice{
			Name:     Clean(p.Name),
			Price:    p.Price.String(),
			Currency: strings.ToUpper(strings.TrimSpace(p.Currency)),
		})
	}
	for _, p := range data.Promotions {
		out.Promotions = append(out.Promotions, canonicalPromotion{
			Title:       Clean(p.Title),
			Description: Clean(p.Description),
		})
	}
	for _, m := range data.MenuItems {
		out.MenuItems = append(out.MenuItems, canonicalMenuItem{
			Name:     Clean(m.Name),
			Category: Clean(m.Category),
		})
	}
	sort.Slice(out.Prices, func(i, j int) bool {
		a, b := out.Prices[i], out.Prices[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		return a.Currency < b.Currency
	})
	sort.Slice(out.Promotions, func(i, j int) bool {
		a, b := out.Promotions[i], out.Promotions[j]
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.Description < b.Description
	})
	sort.Slice(out.MenuItems, func(i, j int) bool {
		a, b := out.MenuItems[i], out.MenuItems[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Category < b.Category
	})
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical data: %w", err)
	}
	return raw, nil
}
