package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"storepos/backend/internal/domain"
	"storepos/backend/internal/store"
	"storepos/backend/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	order              []string
	inventory          map[string]int
	taxRate            *decimal.Decimal
	salesByReceipt     map[string]*domain.Sale
	salesByIdempotency map[string]*domain.Sale
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling
// back to dev defaults with a warning. The postgres store never uses them.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func modifier(s string) *decimal.Decimal {
	d := money(s)
	return &d
}

// SeedProducts is the demo catalog used by NewSeeded.
func SeedProducts() []domain.Product {
	return []domain.Product{
		{
			ID: "1001", Name: "Espresso", Category: "coffee", Price: money("3.50"), Active: true,
			Variants: []domain.VariantGroup{
				{Type: "Size", Options: []domain.VariantOption{
					{Value: "Small", PriceModifier: modifier("0"), OptionID: "11"},
					{Value: "Medium", PriceModifier: modifier("0.50"), OptionID: "12"},
					{Value: "Large", PriceModifier: modifier("1.00"), OptionID: "13"},
				}},
				{Type: "Milk", Options: []domain.VariantOption{
					{Value: "Whole", OptionID: "21"},
					{Value: "Oat", PriceModifier: modifier("0.60"), OptionID: "22"},
				}},
			},
		},
		{
			ID: "1002", Name: "Crew T-Shirt", Category: "apparel", Price: money("15.00"), Active: true,
			Variants: []domain.VariantGroup{
				{Type: "Size", Options: []domain.VariantOption{
					{Value: "S", OptionID: "31"},
					{Value: "M", OptionID: "32"},
					{Value: "L", OptionID: "33"},
					{Value: "XL", PriceModifier: modifier("2.50"), OptionID: "34"},
				}},
				{Type: "Color", Options: []domain.VariantOption{
					{Value: "Red", OptionID: "41"},
					{Value: "Blue", OptionID: "42"},
				}},
			},
		},
		{ID: "1003", Name: "Bottled Water 600ml", Category: "beverage", Price: money("1.25"), Barcode: "8991001000017", Active: true},
		{ID: "1004", Name: "Notebook A5", Category: "stationery", Price: money("4.75"), Barcode: "8991001000024", Active: true},
	}
}

func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		products:           make(map[string]domain.Product),
		inventory:          make(map[string]int),
		salesByReceipt:     make(map[string]*domain.Sale),
		salesByIdempotency: make(map[string]*domain.Sale),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    seedUsers(logger),
	}
	for _, p := range SeedProducts() {
		s.products[p.ID] = p
		s.order = append(s.order, p.ID)
		s.inventory[p.ID] = 100
	}
	return s
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, id := range s.order {
		p := s.products[id]
		if !p.Active && !includeInactive {
			continue
		}
		products = append(products, cloneProduct(p))
	}
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.Category == "" || product.Price.IsNegative() {
		return nil, store.ErrInvalidSale
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if product.Barcode != "" && s.barcodeTaken(product.Barcode, product.ID) {
		return nil, store.ErrConflict
	}

	product.Active = true
	s.products[product.ID] = cloneProduct(product)
	s.order = append(s.order, product.ID)
	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.Category == "" || product.Price.IsNegative() {
		return nil, store.ErrInvalidSale
	}
	if _, exists := s.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}
	if product.Barcode != "" && s.barcodeTaken(product.Barcode, product.ID) {
		return nil, store.ErrConflict
	}

	s.products[product.ID] = cloneProduct(product)
	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) barcodeTaken(barcode string, exceptID string) bool {
	for id, p := range s.products {
		if id != exceptID && p.Barcode == barcode {
			return true
		}
	}
	return false
}

func (s *Store) GetTaxRate(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.taxRate == nil {
		return decimal.Zero, store.ErrNotFound
	}
	return *s.taxRate, nil
}

func (s *Store) SetTaxRate(_ context.Context, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.taxRate = &rate
	return nil
}

func (s *Store) GetStockMap(_ context.Context, productIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stockMap := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		stockMap[id] = s.inventory[id]
	}
	return stockMap, nil
}

func (s *Store) SetStock(_ context.Context, productID string, qty int) error {
	if productID == "" || qty < 0 {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[productID]; !exists {
		return store.ErrNotFound
	}
	s.inventory[productID] = qty
	return nil
}

func (s *Store) IncreaseStock(_ context.Context, adjustments []domain.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, adj := range adjustments {
		if adj.Qty < 1 {
			continue
		}
		if _, exists := s.products[adj.ProductID]; !exists {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, adj.ProductID)
		}
		s.inventory[adj.ProductID] += adj.Qty
	}
	return nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdempotency[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByReceipt(_ context.Context, receiptID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByReceipt[receiptID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey == "" {
		return nil, store.ErrInvalidSale
	}
	if existing, ok := s.salesByIdempotency[sale.IdempotencyKey]; ok {
		return cloneSale(existing), nil
	}
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidSale
	}

	needed := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidSale
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidSale, item.ProductID)
		}
		needed[item.ProductID] += item.Quantity
	}
	for id, qty := range needed {
		if s.inventory[id] < qty {
			return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, id)
		}
	}

	for id, qty := range needed {
		s.inventory[id] -= qty
	}

	if sale.ReceiptID == "" {
		sale.ReceiptID = xid.New("rcpt")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusPaid
	}

	saved := cloneSale(&sale)
	s.salesByReceipt[saved.ReceiptID] = saved
	s.salesByIdempotency[saved.IdempotencyKey] = saved
	return cloneSale(saved), nil
}

func (s *Store) VoidSale(_ context.Context, receiptID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByReceipt[receiptID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusPaid {
		return nil, store.ErrInvalidSale
	}

	for _, item := range sale.Items {
		s.inventory[item.ProductID] += item.Quantity
	}
	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	voidedAt := at.UTC()
	sale.VoidedAt = &voidedAt

	return cloneSale(sale), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.Variants == nil {
		return dup
	}
	dup.Variants = make([]domain.VariantGroup, len(src.Variants))
	for i, group := range src.Variants {
		dup.Variants[i] = domain.VariantGroup{
			Type:    group.Type,
			Options: slices.Clone(group.Options),
		}
	}
	return dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = make([]domain.SaleLine, len(src.Items))
	for i, item := range src.Items {
		item.VariantOptionIDs = slices.Clone(item.VariantOptionIDs)
		dup.Items[i] = item
	}
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dup.VoidedAt = &at
	}
	return &dup
}
