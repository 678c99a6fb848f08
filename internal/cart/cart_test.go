package cart

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"storepos/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mod(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func shirt() domain.Product {
	return domain.Product{
		ID:       "1002",
		Name:     "Crew T-Shirt",
		Category: "apparel",
		Price:    dec("15.00"),
		Active:   true,
		Variants: []domain.VariantGroup{
			{Type: "Size", Options: []domain.VariantOption{
				{Value: "M", OptionID: "31"},
				{Value: "L", PriceModifier: mod("2.50"), OptionID: "32"},
			}},
			{Type: "Color", Options: []domain.VariantOption{
				{Value: "Red", PriceModifier: mod("-1.00"), OptionID: "41"},
				{Value: "Blue", OptionID: "42"},
			}},
		},
	}
}

func plain(id string, price string) domain.Product {
	return domain.Product{ID: id, Name: "Item " + id, Category: "misc", Price: dec(price), Active: true}
}

func TestAddMergesSameSelectionRegardlessOfOrder(t *testing.T) {
	c := New()
	c.Add(shirt(), domain.SelectedVariants{"Size": "L", "Color": "Red"})
	line := c.Add(shirt(), domain.SelectedVariants{"Color": "Red", "Size": "L"})

	require.Equal(t, 1, c.Len())
	require.Equal(t, 2, line.Quantity)
	require.Equal(t, 2, c.Lines()[0].Quantity)
}

func TestDifferentSelectionsAreSeparateLines(t *testing.T) {
	c := New()
	c.Add(shirt(), domain.SelectedVariants{"Size": "L", "Color": "Red"})
	c.Add(shirt(), domain.SelectedVariants{"Size": "M", "Color": "Red"})
	c.Add(shirt(), nil)

	require.Equal(t, 3, c.Len())
	require.Equal(t, 3, c.ItemCount())
}

func TestNilAndEmptySelectionShareIdentity(t *testing.T) {
	require.Equal(t, KeyFor("7", nil), KeyFor("7", domain.SelectedVariants{}))
	require.False(t, KeyFor("7", nil).HasVariants())
}

func TestKeyDoesNotCollideOnDelimiters(t *testing.T) {
	a := KeyFor("1", domain.SelectedVariants{"A": "x", "B": "y"})
	b := KeyFor("1", domain.SelectedVariants{"A": "x1:B1:y"})
	c := KeyFor("1", domain.SelectedVariants{"A": "x|B=y"})
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, b, c)
}

func TestDecrementBelowOneRemovesLine(t *testing.T) {
	c := New()
	c.Add(plain("1", "1.00"), nil)

	line, ok := c.UpdateQuantity("1", nil, -1)
	require.True(t, ok)
	require.Equal(t, 0, line.Quantity)
	require.True(t, c.Empty())

	_, ok = c.UpdateQuantity("1", nil, -1)
	require.False(t, ok)
	require.True(t, c.Empty())
}

func TestUpdateQuantityClampsLargeNegativeDelta(t *testing.T) {
	c := New()
	c.Add(plain("1", "1.00"), nil)
	c.UpdateQuantity("1", nil, 4)

	line, ok := c.UpdateQuantity("1", nil, -2)
	require.True(t, ok)
	require.Equal(t, 3, line.Quantity)

	line, ok = c.UpdateQuantity("1", nil, -50)
	require.True(t, ok)
	require.Equal(t, 0, line.Quantity)
	require.Equal(t, 0, c.Len())
}

func TestRemoveAndClear(t *testing.T) {
	c := New()
	c.Add(plain("1", "1.00"), nil)
	c.Add(shirt(), domain.SelectedVariants{"Size": "M"})

	require.False(t, c.Remove("1", domain.SelectedVariants{"Size": "M"}))
	require.True(t, c.Remove("1002", domain.SelectedVariants{"Size": "M"}))
	require.Equal(t, 1, c.Len())

	c.Clear()
	require.True(t, c.Empty())
}

func TestPriceIsSnapshotAtFirstAdd(t *testing.T) {
	c := New()
	p := plain("1", "10.00")
	c.Add(p, nil)

	p.Price = dec("15.00")
	c.Add(p, nil)

	lines := c.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 2, lines[0].Quantity)
	require.True(t, lines[0].Price.Equal(dec("10.00")), "got %s", lines[0].Price)

	c.Remove("1", nil)
	line := c.Add(p, nil)
	require.True(t, line.Price.Equal(dec("15.00")))
}

func TestResolvePriceAggregatesModifiers(t *testing.T) {
	price := ResolvePrice(shirt(), domain.SelectedVariants{"Size": "L", "Color": "Red"})
	require.True(t, price.Equal(dec("16.50")), "got %s", price)

	c := New()
	line := c.Add(shirt(), domain.SelectedVariants{"Size": "L", "Color": "Red"})
	require.True(t, line.Price.Equal(dec("16.50")))
}

func TestResolvePriceIgnoresUnknownSelections(t *testing.T) {
	price := ResolvePrice(shirt(), domain.SelectedVariants{"Size": "XXL", "Fit": "Slim"})
	require.True(t, price.Equal(dec("15.00")))

	partial := ResolvePrice(shirt(), domain.SelectedVariants{"Size": "L"})
	require.True(t, partial.Equal(dec("17.50")))
}

// Resolved prices are deliberately left unclamped.
func TestResolvePriceAllowsNegativeResult(t *testing.T) {
	p := domain.Product{
		ID:    "9",
		Price: dec("1.00"),
		Variants: []domain.VariantGroup{{Type: "Promo", Options: []domain.VariantOption{
			{Value: "Giveaway", PriceModifier: mod("-3.00")},
		}}},
	}
	price := ResolvePrice(p, domain.SelectedVariants{"Promo": "Giveaway"})
	require.True(t, price.Equal(dec("-2.00")), "got %s", price)
}

func TestLinesAreDefensiveCopies(t *testing.T) {
	c := New()
	sel := domain.SelectedVariants{"Size": "M"}
	c.Add(shirt(), sel)
	sel["Size"] = "L"

	lines := c.Lines()
	lines[0].SelectedVariants["Size"] = "XL"
	lines[0].Quantity = 99

	fresh := c.Lines()
	require.Equal(t, "M", fresh[0].SelectedVariants["Size"])
	require.Equal(t, 1, fresh[0].Quantity)
}

func TestCatalogJSONAcceptsStringModifiersAndMixedOptionIDs(t *testing.T) {
	raw := `{
		"id": "1002", "name": "Crew T-Shirt", "category": "apparel", "price": 15,
		"variants": [
			{"type": "Size", "options": [{"value": "L", "price_modifier": "2.50", "option_id": "32"}]},
			{"type": "Color", "options": [{"value": "Red", "price_modifier": "-1.00", "option_id": 41}]}
		]
	}`
	var p domain.Product
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	sel := domain.SelectedVariants{"Size": "L", "Color": "Red"}
	require.True(t, ResolvePrice(p, sel).Equal(dec("16.50")))

	ids, err := selectedOptionIDs(p, sel)
	require.NoError(t, err)
	require.Equal(t, []int64{32, 41}, ids)
}
