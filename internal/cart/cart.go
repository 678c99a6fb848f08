// Package cart holds the point-of-sale cart and its pricing rules. Nothing in
// here performs I/O; the session layer feeds it catalog data and events.
package cart

import (
	"github.com/shopspring/decimal"

	"storepos/backend/internal/domain"
)

// ResolvePrice returns the unit price for a product under a variant selection:
// the base price plus the modifier of every selected option that matches a
// known group and value, rounded to cents. Unknown groups or values are
// ignored and the result is not clamped at zero.
func ResolvePrice(product domain.Product, selected domain.SelectedVariants) decimal.Decimal {
	price := product.Price
	if len(selected) == 0 {
		return price.Round(2)
	}
	for _, group := range product.Variants {
		value, ok := selected[group.Type]
		if !ok {
			continue
		}
		opt, ok := group.Option(value)
		if !ok || opt.PriceModifier == nil {
			continue
		}
		price = price.Add(*opt.PriceModifier)
	}
	return price.Round(2)
}

type entry struct {
	key  LineKey
	line domain.CartLine
}

// Cart is an ordered set of lines unique by LineKey. It is owned by a single
// session and is not safe for concurrent use.
type Cart struct {
	entries []entry
}

func New() *Cart {
	return &Cart{}
}

func (c *Cart) find(key LineKey) int {
	for i := range c.entries {
		if c.entries[i].key == key {
			return i
		}
	}
	return -1
}

// Add puts one unit of the product into the cart. An existing line with the
// same identity keeps its original price and gains one unit.
func (c *Cart) Add(product domain.Product, selected domain.SelectedVariants) domain.CartLine {
	key := KeyFor(product.ID, selected)
	if i := c.find(key); i >= 0 {
		c.entries[i].line.Quantity++
		return c.entries[i].line
	}

	line := domain.CartLine{
		Product:          product,
		Quantity:         1,
		Price:            ResolvePrice(product, selected),
		SelectedVariants: selected.Clone(),
	}
	c.entries = append(c.entries, entry{key: key, line: line})
	return line
}

// UpdateQuantity applies delta to the matching line. A line reaching zero is
// removed and returned with Quantity 0. The bool is false when no line matched.
func (c *Cart) UpdateQuantity(productID string, selected domain.SelectedVariants, delta int) (domain.CartLine, bool) {
	i := c.find(KeyFor(productID, selected))
	if i < 0 {
		return domain.CartLine{}, false
	}

	qty := c.entries[i].line.Quantity + delta
	if qty <= 0 {
		line := c.entries[i].line
		line.Quantity = 0
		c.removeAt(i)
		return line, true
	}
	c.entries[i].line.Quantity = qty
	return c.entries[i].line, true
}

func (c *Cart) Remove(productID string, selected domain.SelectedVariants) bool {
	i := c.find(KeyFor(productID, selected))
	if i < 0 {
		return false
	}
	c.removeAt(i)
	return true
}

func (c *Cart) removeAt(i int) {
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
}

func (c *Cart) Clear() {
	c.entries = nil
}

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(c.entries))
	for _, e := range c.entries {
		line := e.line
		line.SelectedVariants = e.line.SelectedVariants.Clone()
		lines = append(lines, line)
	}
	return lines
}

func (c *Cart) Len() int {
	return len(c.entries)
}

func (c *Cart) ItemCount() int {
	count := 0
	for _, e := range c.entries {
		count += e.line.Quantity
	}
	return count
}

func (c *Cart) Empty() bool {
	return len(c.entries) == 0
}
