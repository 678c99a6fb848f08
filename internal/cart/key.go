package cart

import (
	"sort"
	"strconv"
	"strings"

	"storepos/backend/internal/domain"
)

// LineKey identifies a cart line: a product plus an exact, order-independent
// variant selection. It is comparable and safe to use as a map key.
type LineKey struct {
	ProductID string
	variants  string
}

// KeyFor derives the line key. Pairs are sorted by group type and each field is
// length-prefixed, so no character inside a type or value can collide with
// another selection.
func KeyFor(productID string, selected domain.SelectedVariants) LineKey {
	if len(selected) == 0 {
		return LineKey{ProductID: productID}
	}

	types := make([]string, 0, len(selected))
	for t := range selected {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	for _, t := range types {
		writeField(&b, t)
		writeField(&b, selected[t])
	}
	return LineKey{ProductID: productID, variants: b.String()}
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func (k LineKey) HasVariants() bool {
	return k.variants != ""
}

func (k LineKey) String() string {
	if k.variants == "" {
		return k.ProductID
	}
	return k.ProductID + "|" + k.variants
}
