package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw      string
		want     string
		currency string
		ok       bool
	}{
		{raw: "$12.99", want: "12.99", currency: "USD", ok: true},
		{raw: "4,99 €", want: "4.99", currency: "EUR", ok: true},
		{raw: "1.234,50 EUR", want: "1234.5", currency: "EUR", ok: true},
		{raw: "£1,299", want: "1299", currency: "GBP", ok: true},
		{raw: "1,234.56", want: "1234.56", ok: true},
		{raw: "Now only 7.", want: "7", ok: true},
		{raw: "free", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, currency, ok := ParsePrice(tt.raw)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			require.Equal(t, tt.want, got.String())
			require.Equal(t, tt.currency, currency)
		})
	}
}

func TestHTMLReadsJSONLD(t *testing.T) {
	t.Parallel()

	page := `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"Product","name":"Cold Brew","offers":{"@type":"Offer","price":"4.50","priceCurrency":"usd"}},
  {"@type":"Menu","hasMenuSection":[
    {"@type":"MenuSection","name":"Mains","hasMenuItem":[
      {"@type":"MenuItem","name":"Burger","offers":{"price":12.99,"priceCurrency":"USD"}},
      {"@type":"MenuItem","name":"Salad"}
    ]}
  ]}
]}
</script>
<script type="application/ld+json">not json</script>
</head><body></body></html>`

	data, err := HTML([]byte(page))
	require.NoError(t, err)

	require.Len(t, data.Prices, 2)
	require.Equal(t, "Cold Brew", data.Prices[0].Name)
	require.Equal(t, "4.5", data.Prices[0].Price.String())
	require.Equal(t, "USD", data.Prices[0].Currency)
	require.Equal(t, "Burger", data.Prices[1].Name)
	require.Equal(t, "12.99", data.Prices[1].Price.String())

	require.Equal(t, []pulse.MenuItem{
		{Name: "Cold Brew"},
		{Name: "Burger", Category: "Mains"},
		{Name: "Salad", Category: "Mains"},
	}, data.MenuItems)
	require.Empty(t, data.Promotions)
}

func TestHTMLReadsMarkup(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<section class="menu-section"><h2>Drinks</h2>
  <div class="menu-item"><span class="name">  Iced   Tea </span><span class="price">$2.50</span></div>
  <div class="menu-item" data-name="Lemonade" data-price="3.00"></div>
</section>
<div itemscope itemtype="https://schema.org/Product">
  <span itemprop="name">Family Meal</span>
  <meta itemprop="price" content="29.99"><meta itemprop="priceCurrency" content="EUR">
</div>
<div class="promo"><h3>Happy Hour</h3><p>Half price drinks 4-6pm</p></div>
<div class="promo" data-promo="Kids Eat Free"></div>
<div class="promo"><h3>happy hour</h3></div>
</body></html>`

	data, err := HTML([]byte(page))
	require.NoError(t, err)

	require.Len(t, data.Prices, 3)
	require.Equal(t, "Iced Tea", data.Prices[0].Name)
	require.Equal(t, "2.5", data.Prices[0].Price.String())
	require.Equal(t, "USD", data.Prices[0].Currency)
	require.Equal(t, "Lemonade", data.Prices[1].Name)
	require.Equal(t, "Family Meal", data.Prices[2].Name)
	require.Equal(t, "EUR", data.Prices[2].Currency)

	require.Equal(t, "Drinks", data.MenuItems[0].Category)
	require.Equal(t, []pulse.Promotion{
		{Title: "Happy Hour", Description: "Half price drinks 4-6pm"},
		{Title: "Kids Eat Free"},
	}, data.Promotions)
}

func TestHTMLEmptyPage(t *testing.T) {
	t.Parallel()

	data, err := HTML([]byte("<html><body><p>Closed for renovation</p></body></html>"))
	require.NoError(t, err)
	require.True(t, data.Empty())
	require.NotNil(t, data.Prices)
}
