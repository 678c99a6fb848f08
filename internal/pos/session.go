package pos

import (
	"time"

	"github.com/shopspring/decimal"

	"storepos/backend/internal/cart"
	"storepos/backend/internal/domain"
)

type State string

const (
	StateShopping State = "shopping"
	StatePayment  State = "payment"
	StateReceipt  State = "receipt"
)

// Receipt is what the terminal shows after a sale was recorded.
type Receipt struct {
	ReceiptID   string            `json:"receipt_id"`
	Settlement  domain.Settlement `json:"settlement"`
	ItemCount   int               `json:"item_count"`
	CompletedAt time.Time         `json:"completed_at"`
}

type SessionView struct {
	ID               string            `json:"id"`
	TerminalID       string            `json:"terminal_id"`
	Cashier          string            `json:"cashier"`
	State            State             `json:"state"`
	Lines            []domain.CartLine `json:"lines"`
	ItemCount        int               `json:"item_count"`
	Totals           cart.Totals       `json:"totals"`
	TaxRatePercent   decimal.Decimal   `json:"tax_rate_percent"`
	CheckoutInFlight bool              `json:"checkout_in_flight"`
	Receipt          *Receipt          `json:"receipt,omitempty"`
	Message          string            `json:"message,omitempty"`
	LastActivity     time.Time         `json:"last_activity"`
}

type session struct {
	id         string
	terminalID string
	owner      domain.Actor
	cart       *cart.Cart
	state      State
	taxRate    decimal.Decimal
	inflight   string
	saleKey    string
	receipt    *Receipt
	lastSeen   time.Time
}

// resumeShopping is called before any cart mutation. A finished sale's
// receipt is dropped and an open payment step is abandoned because the
// totals it showed are no longer valid.
func (s *session) resumeShopping() {
	s.state = StateShopping
	s.receipt = nil
}

func (s *session) view(message string) SessionView {
	lines := s.cart.Lines()
	v := SessionView{
		ID:               s.id,
		TerminalID:       s.terminalID,
		Cashier:          s.owner.Username,
		State:            s.state,
		Lines:            lines,
		ItemCount:        s.cart.ItemCount(),
		Totals:           cart.ComputeTotals(lines, s.taxRate),
		TaxRatePercent:   s.taxRate,
		CheckoutInFlight: s.inflight != "",
		Message:          message,
		LastActivity:     s.lastSeen,
	}
	if s.receipt != nil {
		r := *s.receipt
		v.Receipt = &r
	}
	return v
}
