package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type VariantOption struct {
	Value         string           `json:"value"`
	PriceModifier *decimal.Decimal `json:"price_modifier,omitempty"`
	OptionID      json.Number      `json:"option_id,omitempty"`
}

type VariantGroup struct {
	Type    string          `json:"type"`
	Options []VariantOption `json:"options"`
}

// Option returns the option of the group whose value matches exactly.
func (g VariantGroup) Option(value string) (VariantOption, bool) {
	for _, opt := range g.Options {
		if opt.Value == value {
			return opt, true
		}
	}
	return VariantOption{}, false
}

type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Barcode  string          `json:"barcode,omitempty"`
	Active   bool            `json:"active"`
	Variants []VariantGroup  `json:"variants,omitempty"`
}

// SelectedVariants maps a variant group type (e.g. "Size") to the chosen option value.
type SelectedVariants map[string]string

func (s SelectedVariants) Clone() SelectedVariants {
	if len(s) == 0 {
		return SelectedVariants{}
	}
	out := make(SelectedVariants, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

type CartLine struct {
	Product          Product          `json:"product"`
	Quantity         int              `json:"quantity"`
	Price            decimal.Decimal  `json:"price"`
	SelectedVariants SelectedVariants `json:"selected_variants"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Catalog struct {
	Products       []Product       `json:"products"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

func (c Catalog) Product(id string) (Product, bool) {
	for _, p := range c.Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

func (c Catalog) ProductByBarcode(barcode string) (Product, bool) {
	if barcode == "" {
		return Product{}, false
	}
	for _, p := range c.Products {
		if p.Barcode == barcode {
			return p, true
		}
	}
	return Product{}, false
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentCard
}

type Settlement struct {
	Subtotal      decimal.Decimal  `json:"subtotal"`
	Tax           decimal.Decimal  `json:"tax"`
	Total         decimal.Decimal  `json:"total"`
	PaymentMethod PaymentMethod    `json:"payment_method"`
	CashReceived  *decimal.Decimal `json:"cash_received,omitempty"`
	Change        *decimal.Decimal `json:"change,omitempty"`
}

// SaleItem and SaleRequest are the wire payload sent to the settlement backend.
type SaleItem struct {
	ProductID      int64   `json:"product_id"`
	Quantity       int     `json:"quantity"`
	Price          float64 `json:"price"`
	ProductName    string  `json:"product_name"`
	VariantOptions []int64 `json:"variant_options"`
}

type SaleRequest struct {
	Items         []SaleItem `json:"items"`
	Subtotal      float64    `json:"subtotal"`
	Tax           float64    `json:"tax"`
	Total         float64    `json:"total"`
	PaymentMethod string     `json:"payment_method"`
	CashReceived  *float64   `json:"cash_received,omitempty"`
	Change        *float64   `json:"change,omitempty"`
}

// SaleEnvelope is the settlement backend reply. Data holds a SaleReceipt on
// success and a human-readable error string when Error is true.
type SaleEnvelope struct {
	Error bool            `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type SaleReceipt struct {
	ReceiptID string `json:"receipt_id,omitempty"`
}

type SaleLine struct {
	ProductID        string          `json:"product_id"`
	ProductName      string          `json:"product_name"`
	Quantity         int             `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	VariantOptionIDs []int64         `json:"variant_options"`
}

type Sale struct {
	ReceiptID       string          `json:"receipt_id"`
	IdempotencyKey  string          `json:"-"`
	CashierUsername string          `json:"cashier_username"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	CashReceived    decimal.Decimal `json:"cash_received"`
	Change          decimal.Decimal `json:"change"`
	Status          string          `json:"status"`
	VoidReason      string          `json:"void_reason,omitempty"`
	VoidedAt        *time.Time      `json:"voided_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Items           []SaleLine      `json:"items"`
}

func (s Sale) ItemCount() int {
	count := 0
	for _, item := range s.Items {
		count += item.Quantity
	}
	return count
}

type StockAdjustment struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type ProductCreateRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Price        decimal.Decimal `json:"price"`
	Barcode      string          `json:"barcode"`
	Variants     []VariantGroup  `json:"variants"`
	InitialStock int             `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name     *string          `json:"name,omitempty"`
	Category *string          `json:"category,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Barcode  *string          `json:"barcode,omitempty"`
	Active   *bool            `json:"active,omitempty"`
	Variants *[]VariantGroup  `json:"variants,omitempty"`
}

type StockSetRequest struct {
	Qty int `json:"qty"`
}

type TaxRateRequest struct {
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
}

type VoidSaleRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type VoidSaleResponse struct {
	ReceiptID string `json:"receipt_id"`
	Status    string `json:"status"`
	VoidedAt  string `json:"voided_at"`
}

type EscposReceipt struct {
	ReceiptID    string `json:"receipt_id"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	SaleStatusPaid   = "paid"
	SaleStatusVoided = "voided"
)
