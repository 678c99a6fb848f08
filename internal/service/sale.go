package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"storepos/backend/internal/domain"
	"storepos/backend/internal/store"
	"storepos/backend/internal/xid"
)

func invalidSale(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidSale, fmt.Sprintf(format, args...))
}

func wireMoney(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}

// FinalizeSale records a sale built by a POS terminal. Line totals and the
// tender are checked for internal consistency; the tax amount is taken as sent
// because the terminal computed it from the rate in its catalog snapshot.
// Replaying an idempotency key returns the receipt of the original sale.
func (s *Service) FinalizeSale(ctx context.Context, idempotencyKey string, req domain.SaleRequest) (domain.SaleReceipt, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = xid.New("idem")
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, idempotencyKey); err == nil {
		return domain.SaleReceipt{ReceiptID: existing.ReceiptID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleReceipt{}, err
	}

	sale, err := s.buildSale(ctx, req)
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	sale.IdempotencyKey = idempotencyKey
	sale.ReceiptID = xid.New("rcpt")

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	if created.ReceiptID != sale.ReceiptID {
		// A concurrent request with the same key won the race.
		return domain.SaleReceipt{ReceiptID: created.ReceiptID}, nil
	}

	s.logAudit(ctx, "sale_finalize", "sale", created.ReceiptID, fmt.Sprintf("total=%s,payment=%s,items=%d", created.Total.StringFixed(2), created.PaymentMethod, created.ItemCount()))
	if err := s.publisher.PublishSale(ctx, *created); err != nil {
		s.logger.Warn("failed to publish sale event", zap.String("receipt_id", created.ReceiptID), zap.Error(err))
	}

	return domain.SaleReceipt{ReceiptID: created.ReceiptID}, nil
}

func (s *Service) buildSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, invalidSale("sale has no items")
	}
	method := domain.PaymentMethod(req.PaymentMethod)
	if !method.Valid() {
		return domain.Sale{}, invalidSale("unsupported payment method %q", req.PaymentMethod)
	}

	lines := make([]domain.SaleLine, 0, len(req.Items))
	subtotal := decimal.Zero
	for _, item := range req.Items {
		if item.Quantity < 1 {
			return domain.Sale{}, invalidSale("quantity for product %d must be at least 1", item.ProductID)
		}
		productID := strconv.FormatInt(item.ProductID, 10)
		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Sale{}, invalidSale("product %s unavailable", productID)
			}
			return domain.Sale{}, err
		}
		if !product.Active {
			return domain.Sale{}, invalidSale("product %s unavailable", productID)
		}

		catalogPrice, err := priceForOptions(*product, item.VariantOptions)
		if err != nil {
			return domain.Sale{}, err
		}
		price := wireMoney(item.Price)
		if !price.Equal(catalogPrice) {
			s.logger.Info("sale line price differs from catalog",
				zap.String("product_id", productID),
				zap.String("sent", price.StringFixed(2)),
				zap.String("catalog", catalogPrice.StringFixed(2)),
			)
		}

		name := strings.TrimSpace(item.ProductName)
		if name == "" {
			name = product.Name
		}
		lines = append(lines, domain.SaleLine{
			ProductID:        productID,
			ProductName:      name,
			Quantity:         item.Quantity,
			Price:            price,
			VariantOptionIDs: append([]int64(nil), item.VariantOptions...),
		})
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	sentSubtotal := wireMoney(req.Subtotal)
	tax := wireMoney(req.Tax)
	total := wireMoney(req.Total)
	if !sentSubtotal.Equal(subtotal.Round(2)) {
		return domain.Sale{}, invalidSale("subtotal %s does not match line totals %s", sentSubtotal.StringFixed(2), subtotal.StringFixed(2))
	}
	if tax.IsNegative() {
		return domain.Sale{}, invalidSale("tax cannot be negative")
	}
	if !total.Equal(sentSubtotal.Add(tax)) {
		return domain.Sale{}, invalidSale("total %s does not equal subtotal plus tax", total.StringFixed(2))
	}

	sale := domain.Sale{
		CashierUsername: cashierName(ctx),
		PaymentMethod:   method,
		Subtotal:        sentSubtotal,
		Tax:             tax,
		Total:           total,
		Status:          domain.SaleStatusPaid,
		CreatedAt:       s.now(),
		Items:           lines,
	}

	if method == domain.PaymentCash {
		if req.CashReceived == nil || req.Change == nil {
			return domain.Sale{}, invalidSale("cash sale needs cash received and change")
		}
		received := wireMoney(*req.CashReceived)
		change := wireMoney(*req.Change)
		if received.LessThan(total) {
			return domain.Sale{}, invalidSale("cash received %s is less than total %s", received.StringFixed(2), total.StringFixed(2))
		}
		if !change.Equal(received.Sub(total)) {
			return domain.Sale{}, invalidSale("change %s does not equal cash received minus total", change.StringFixed(2))
		}
		sale.CashReceived = received
		sale.Change = change
	}

	return sale, nil
}

// priceForOptions resolves the catalog price of a product for the given
// option ids. Every id must belong to one of the product's variant options.
func priceForOptions(product domain.Product, optionIDs []int64) (decimal.Decimal, error) {
	modifiers := map[int64]decimal.Decimal{}
	for _, group := range product.Variants {
		for _, opt := range group.Options {
			if opt.OptionID == "" {
				continue
			}
			id, err := opt.OptionID.Int64()
			if err != nil {
				continue
			}
			mod := decimal.Zero
			if opt.PriceModifier != nil {
				mod = *opt.PriceModifier
			}
			modifiers[id] = mod
		}
	}

	price := product.Price
	for _, id := range optionIDs {
		mod, ok := modifiers[id]
		if !ok {
			return decimal.Zero, invalidSale("variant option %d does not belong to product %s", id, product.ID)
		}
		price = price.Add(mod)
	}
	return price.Round(2), nil
}

func cashierName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func (s *Service) GetSale(ctx context.Context, receiptID string) (domain.Sale, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return domain.Sale{}, store.ErrInvalidSale
	}
	sale, err := s.repo.FindSaleByReceipt(ctx, receiptID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) VoidSale(ctx context.Context, receiptID string, reason string) (domain.VoidSaleResponse, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return domain.VoidSaleResponse{}, store.ErrInvalidSale
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	voidedAt := s.now()
	sale, err := s.repo.VoidSale(ctx, receiptID, reason, voidedAt)
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}

	s.logAudit(ctx, "sale_void", "sale", sale.ReceiptID, reason)
	if err := s.publisher.PublishSale(ctx, *sale); err != nil {
		s.logger.Warn("failed to publish void event", zap.String("receipt_id", sale.ReceiptID), zap.Error(err))
	}

	return domain.VoidSaleResponse{
		ReceiptID: sale.ReceiptID,
		Status:    sale.Status,
		VoidedAt:  voidedAt.Format(time.RFC3339),
	}, nil
}
