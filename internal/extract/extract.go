// Package extract pulls prices, promotions and menu items out of competitor pages.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

const (
	itemSelector  = `.menu-item, .product, [data-item], [itemtype*="schema.org/Product"], [itemtype*="schema.org/MenuItem"]`
	nameSelector  = `[itemprop="name"], .item-name, .product-name, .name, h2, h3, h4`
	priceSelector = `[itemprop="price"], [data-price], .price`
	promoSelector = `.promo, .promotion, .deal, .special, [data-promo]`
)

// HTML extracts structured data from an HTML document. JSON-LD blocks are
// read first; markup conventions fill in what they do not cover. The first
// occurrence of a name wins.
func HTML(body []byte) (pulse.ExtractedData, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pulse.ExtractedData{}, fmt.Errorf("parse html: %w", err)
	}
	c := newCollector()

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(s.Text()), &v); err != nil {
			return
		}
		c.walkLD(v, "")
	})

	doc.Find(itemSelector).Each(func(_ int, s *goquery.Selection) {
		name := itemName(s)
		if name == "" {
			return
		}
		c.addMenuItem(name, category(s))
		if price, currency, ok := itemPrice(s); ok {
			c.addPrice(name, price, currency)
		}
	})

	doc.Find(promoSelector).Each(func(_ int, s *goquery.Selection) {
		title := s.AttrOr("data-promo", "")
		if title == "" {
			title = clean(s.Find(".promo-title, h2, h3, h4, strong").First().Text())
		}
		desc := clean(s.Find(".promo-description, p").First().Text())
		if title == "" {
			title, desc = clean(s.Text()), ""
		}
		c.addPromotion(title, desc)
	})

	return c.data, nil
}

type collector struct {
	data   pulse.ExtractedData
	prices map[string]struct{}
	menu   map[string]struct{}
	promos map[string]struct{}
}

func newCollector() *collector {
	return &collector{
		data: pulse.ExtractedData{
			Prices:     []pulse.PriceItem{},
			Promotions: []pulse.Promotion{},
			MenuItems:  []pulse.MenuItem{},
		},
		prices: make(map[string]struct{}),
		menu:   make(map[string]struct{}),
		promos: make(map[string]struct{}),
	}
}

func (c *collector) addPrice(name string, price decimal.Decimal, currency string) {
	key := strings.ToLower(name)
	if _, ok := c.prices[key]; ok {
		return
	}
	c.prices[key] = struct{}{}
	c.data.Prices = append(c.data.Prices, pulse.PriceItem{Name: name, Price: price, Currency: currency})
}

func (c *collector) addMenuItem(name, cat string) {
	key := strings.ToLower(name)
	if _, ok := c.menu[key]; ok {
		return
	}
	c.menu[key] = struct{}{}
	c.data.MenuItems = append(c.data.MenuItems, pulse.MenuItem{Name: name, Category: cat})
}

func (c *collector) addPromotion(title, desc string) {
	if title == "" {
		return
	}
	key := strings.ToLower(title)
	if _, ok := c.promos[key]; ok {
		return
	}
	c.promos[key] = struct{}{}
	c.data.Promotions = append(c.data.Promotions, pulse.Promotion{Title: title, Description: desc})
}

// walkLD visits a decoded JSON-LD value. section carries the enclosing menu
// section name down to its items.
func (c *collector) walkLD(v any, section string) {
	switch node := v.(type) {
	case []any:
		for _, child := range node {
			c.walkLD(child, section)
		}
	case map[string]any:
		if graph, ok := node["@graph"]; ok {
			c.walkLD(graph, section)
		}
		name := clean(str(node["name"]))
		switch {
		case hasType(node, "Product"), hasType(node, "MenuItem"):
			if name == "" {
				return
			}
			c.addMenuItem(name, section)
			if price, currency, ok := offerPrice(node["offers"]); ok {
				c.addPrice(name, price, currency)
			}
		case hasType(node, "Offer"):
			if name == "" {
				if item, ok := node["itemOffered"].(map[string]any); ok {
					name = clean(str(item["name"]))
				}
			}
			if name == "" {
				return
			}
			if price, currency, ok := offerPrice(node); ok {
				c.addPrice(name, price, currency)
			}
		case hasType(node, "Menu"), hasType(node, "MenuSection"):
			sec := section
			if hasType(node, "MenuSection") && name != "" {
				sec = name
			}
			c.walkLD(node["hasMenuSection"], sec)
			c.walkLD(node["hasMenuItem"], sec)
		}
	}
}

func hasType(node map[string]any, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return t == want
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// offerPrice reads the first priced offer. Prices may be strings or numbers.
func offerPrice(v any) (decimal.Decimal, string, bool) {
	switch o := v.(type) {
	case []any:
		for _, child := range o {
			if p, cur, ok := offerPrice(child); ok {
				return p, cur, true
			}
		}
	case map[string]any:
		currency := strings.ToUpper(str(o["priceCurrency"]))
		raw := o["price"]
		if raw == nil {
			raw = o["lowPrice"]
		}
		if p, cur, ok := ParsePrice(str(raw)); ok {
			if currency == "" {
				currency = cur
			}
			return p, currency, true
		}
	}
	return decimal.Decimal{}, "", false
}

func itemName(s *goquery.Selection) string {
	if name := clean(s.AttrOr("data-name", "")); name != "" {
		return name
	}
	return clean(s.Find(nameSelector).First().Text())
}

func itemPrice(s *goquery.Selection) (decimal.Decimal, string, bool) {
	if raw, ok := s.Attr("data-price"); ok {
		return ParsePrice(raw)
	}
	el := s.Find(priceSelector).First()
	if el.Length() == 0 {
		return decimal.Decimal{}, "", false
	}
	raw := el.AttrOr("content", "")
	if raw == "" {
		raw = el.AttrOr("data-price", "")
	}
	if raw == "" {
		raw = el.Text()
	}
	price, currency, ok := ParsePrice(raw)
	if !ok {
		return price, currency, false
	}
	if cur := s.Find(`[itemprop="priceCurrency"]`).First().AttrOr("content", ""); cur != "" {
		currency = strings.ToUpper(cur)
	}
	return price, currency, true
}

func category(s *goquery.Selection) string {
	if cat := s.AttrOr("data-category", ""); cat != "" {
		return clean(cat)
	}
	if cat := s.Closest("[data-category]").AttrOr("data-category", ""); cat != "" {
		return clean(cat)
	}
	return clean(s.Closest(".menu-section").Find("h2, h3").First().Text())
}

var numberPattern = regexp.MustCompile(`\d[\d.,]*`)

// ParsePrice reads a human formatted price such as "$12.99", "4,99 €" or
// "1.234,50". The currency is inferred from a leading or trailing symbol.
func ParsePrice(raw string) (decimal.Decimal, string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, "", false
	}
	currency := currencyOf(raw)
	num := numberPattern.FindString(raw)
	num = strings.TrimRight(num, ".,")
	if num == "" {
		return decimal.Decimal{}, "", false
	}

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		// "4,99" is a decimal comma; "1,299" is a thousands separator.
		if len(num)-lastComma-1 == 3 {
			num = strings.ReplaceAll(num, ",", "")
		} else {
			num = strings.ReplaceAll(num, ",", ".")
		}
	}
	if strings.Count(num, ".") > 1 {
		num = strings.Replace(num, ".", "", strings.Count(num, ".")-1)
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Decimal{}, "", false
	}
	return d, currency, true
}

func currencyOf(raw string) string {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(raw, "€") || strings.Contains(upper, "EUR"):
		return "EUR"
	case strings.Contains(raw, "£") || strings.Contains(upper, "GBP"):
		return "GBP"
	case strings.Contains(raw, "$") || strings.Contains(upper, "USD"):
		return "USD"
	default:
		return ""
	}
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
