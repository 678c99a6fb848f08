package cart

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"storepos/backend/internal/domain"
)

var (
	ErrEmptyCart                = errors.New("cart is empty")
	ErrInsufficientCash         = errors.New("cash received is less than total")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrInvalidProductID         = errors.New("product id is not numeric")
	ErrInvalidOptionID          = errors.New("variant option id is not numeric")
)

var hundred = decimal.NewFromInt(100)

// Tender is what the customer hands over. CashReceived is only read for cash.
type Tender struct {
	Method       domain.PaymentMethod `json:"payment_method"`
	CashReceived decimal.Decimal      `json:"cash_received"`
}

type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// ComputeTotals derives subtotal, tax and total. Tax is rounded to cents,
// half away from zero, and total is always subtotal + tax.
func ComputeTotals(lines []domain.CartLine, taxRatePercent decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal())
	}
	tax := subtotal.Mul(taxRatePercent).Div(hundred).Round(2)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}
}

// Settle validates the tender against the cart totals. Every error it returns
// is a validation failure that must be shown to the cashier before anything is
// sent to the settlement backend.
func Settle(lines []domain.CartLine, taxRatePercent decimal.Decimal, tender Tender) (domain.Settlement, error) {
	if len(lines) == 0 {
		return domain.Settlement{}, ErrEmptyCart
	}
	if !tender.Method.Valid() {
		return domain.Settlement{}, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, tender.Method)
	}

	totals := ComputeTotals(lines, taxRatePercent)
	settlement := domain.Settlement{
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Total:         totals.Total,
		PaymentMethod: tender.Method,
	}

	if tender.Method == domain.PaymentCash {
		if tender.CashReceived.LessThan(totals.Total) {
			return domain.Settlement{}, ErrInsufficientCash
		}
		received := tender.CashReceived
		change := received.Sub(totals.Total)
		settlement.CashReceived = &received
		settlement.Change = &change
	}

	return settlement, nil
}

// BuildSaleRequest translates cart lines and a settlement into the payload the
// settlement backend records. Selected values become option ids in the order
// the product declares its variant groups; options without an id are skipped.
func BuildSaleRequest(lines []domain.CartLine, settlement domain.Settlement) (domain.SaleRequest, error) {
	if len(lines) == 0 {
		return domain.SaleRequest{}, ErrEmptyCart
	}

	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		productID, err := strconv.ParseInt(line.Product.ID, 10, 64)
		if err != nil {
			return domain.SaleRequest{}, fmt.Errorf("%w: %q", ErrInvalidProductID, line.Product.ID)
		}
		optionIDs, err := selectedOptionIDs(line.Product, line.SelectedVariants)
		if err != nil {
			return domain.SaleRequest{}, err
		}
		items = append(items, domain.SaleItem{
			ProductID:      productID,
			Quantity:       line.Quantity,
			Price:          wireAmount(line.Price),
			ProductName:    line.Product.Name,
			VariantOptions: optionIDs,
		})
	}

	req := domain.SaleRequest{
		Items:         items,
		Subtotal:      wireAmount(settlement.Subtotal),
		Tax:           wireAmount(settlement.Tax),
		Total:         wireAmount(settlement.Total),
		PaymentMethod: string(settlement.PaymentMethod),
	}
	if settlement.PaymentMethod == domain.PaymentCash && settlement.CashReceived != nil && settlement.Change != nil {
		received := wireAmount(*settlement.CashReceived)
		change := wireAmount(*settlement.Change)
		req.CashReceived = &received
		req.Change = &change
	}
	return req, nil
}

func selectedOptionIDs(product domain.Product, selected domain.SelectedVariants) ([]int64, error) {
	ids := make([]int64, 0, len(selected))
	for _, group := range product.Variants {
		value, ok := selected[group.Type]
		if !ok {
			continue
		}
		opt, ok := group.Option(value)
		if !ok || opt.OptionID == "" {
			continue
		}
		id, err := opt.OptionID.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%s", ErrInvalidOptionID, group.Type, opt.OptionID)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func wireAmount(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
