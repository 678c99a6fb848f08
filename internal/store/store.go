package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"storepos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrConflict          = errors.New("already exists")
)

type Repository interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetTaxRate(ctx context.Context) (decimal.Decimal, error)
	SetTaxRate(ctx context.Context, rate decimal.Decimal) error
	GetStockMap(ctx context.Context, productIDs []string) (map[string]int, error)
	SetStock(ctx context.Context, productID string, qty int) error
	IncreaseStock(ctx context.Context, adjustments []domain.StockAdjustment) error
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	FindSaleByReceipt(ctx context.Context, receiptID string) (*domain.Sale, error)
	// CreateSale decrements stock and records the sale atomically. A sale whose
	// idempotency key was already recorded returns the stored sale instead.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	VoidSale(ctx context.Context, receiptID string, reason string, at time.Time) (*domain.Sale, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
