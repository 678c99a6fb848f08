package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"storepos/backend/internal/domain"
)

var (
	escposInit = []byte{0x1b, 0x40}
	escposCut  = []byte{0x1d, 0x56, 0x41, 0x10}
)

// BuildReceipt renders a recorded sale as raw ESC/POS bytes for a thermal
// printer, plus the same lines as plain text for on-screen preview.
func (s *Service) BuildReceipt(ctx context.Context, receiptID string) (domain.EscposReceipt, error) {
	sale, err := s.GetSale(ctx, receiptID)
	if err != nil {
		return domain.EscposReceipt{}, err
	}

	lines := receiptLines(sale)

	escpos := append([]byte{}, escposInit...)
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, escposCut...)

	return domain.EscposReceipt{
		ReceiptID:    sale.ReceiptID,
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("receipt-%s.bin", sale.ReceiptID),
	}, nil
}

func receiptLines(sale domain.Sale) []string {
	lines := []string{
		"StorePOS",
		"========================",
		"Receipt: " + sale.ReceiptID,
		"Cashier: " + sale.CashierUsername,
		"Date: " + sale.CreatedAt.Format("2006-01-02 15:04:05"),
		"------------------------",
	}
	for _, item := range sale.Items {
		lines = append(lines, fmt.Sprintf("%s x%d", item.ProductName, item.Quantity))
		lines = append(lines, fmt.Sprintf("  %s", item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))).StringFixed(2)))
	}
	lines = append(lines,
		"------------------------",
		fmt.Sprintf("Subtotal : %s", sale.Subtotal.StringFixed(2)),
		fmt.Sprintf("Tax      : %s", sale.Tax.StringFixed(2)),
		fmt.Sprintf("Total    : %s", sale.Total.StringFixed(2)),
	)
	if sale.PaymentMethod == domain.PaymentCash {
		lines = append(lines,
			fmt.Sprintf("Cash     : %s", sale.CashReceived.StringFixed(2)),
			fmt.Sprintf("Change   : %s", sale.Change.StringFixed(2)),
		)
	} else {
		lines = append(lines, fmt.Sprintf("Paid by  : %s", sale.PaymentMethod))
	}
	if sale.Status == domain.SaleStatusVoided {
		lines = append(lines, "*** VOIDED ***")
	}
	lines = append(lines,
		"========================",
		"Thank you",
		"",
	)
	return lines
}
