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
	"storepos/backend/internal/events"
	"storepos/backend/internal/store"
	"storepos/backend/internal/xid"
)

var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// CatalogInvalidator drops cached catalog snapshots after a product or tax
// rate change.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context)
}

type Service struct {
	repo           store.Repository
	publisher      events.Publisher
	defaultTaxRate decimal.Decimal
	invalidator    CatalogInvalidator
	logger         *zap.Logger
	now            func() time.Time
}

func New(repo store.Repository, publisher events.Publisher, defaultTaxRate decimal.Decimal, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:           repo,
		publisher:      publisher,
		defaultTaxRate: defaultTaxRate,
		logger:         logger.Named("service"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetCatalogInvalidator(inv CatalogInvalidator) {
	s.invalidator = inv
}

// Catalog returns the active products and the tax rate currently in effect.
func (s *Service) Catalog(ctx context.Context) (domain.Catalog, error) {
	products, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return domain.Catalog{}, err
	}
	rate, err := s.TaxRate(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	return domain.Catalog{
		Products:       products,
		TaxRatePercent: rate,
		FetchedAt:      s.now(),
	}, nil
}

// TaxRate falls back to the configured default until an admin sets one.
func (s *Service) TaxRate(ctx context.Context) (decimal.Decimal, error) {
	rate, err := s.repo.GetTaxRate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return s.defaultTaxRate, nil
	}
	return rate, err
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Barcode = strings.TrimSpace(req.Barcode)

	if req.ID == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	if _, err := strconv.ParseInt(req.ID, 10, 64); err != nil {
		return domain.Product{}, fmt.Errorf("%w: product id must be numeric", store.ErrInvalidSale)
	}
	if req.Price.IsNegative() || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}
	if err := validateVariants(req.Variants); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:       req.ID,
		Name:     req.Name,
		Category: req.Category,
		Price:    req.Price.Round(2),
		Barcode:  req.Barcode,
		Active:   true,
		Variants: req.Variants,
	})
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		err := s.repo.IncreaseStock(ctx, []domain.StockAdjustment{{
			ProductID: created.ID,
			Qty:       req.InitialStock,
		}})
		if err != nil {
			return domain.Product{}, err
		}
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%s,stock=%d", created.Name, created.Price.StringFixed(2), req.InitialStock))
	s.invalidateCatalog(ctx)

	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidSale
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Category = category
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Price = req.Price.Round(2)
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.Variants != nil {
		if err := validateVariants(*req.Variants); err != nil {
			return domain.Product{}, err
		}
		updated.Variants = *req.Variants
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%s,variant_groups=%d", saved.Active, saved.Price.StringFixed(2), len(saved.Variants)))
	s.invalidateCatalog(ctx)

	return *saved, nil
}

// validateVariants checks variant groups and rounds option price modifiers to
// cents in place.
func validateVariants(groups []domain.VariantGroup) error {
	types := make(map[string]struct{}, len(groups))
	optionIDs := map[string]struct{}{}
	for _, group := range groups {
		if strings.TrimSpace(group.Type) == "" || len(group.Options) == 0 {
			return fmt.Errorf("%w: variant group needs a type and options", store.ErrInvalidSale)
		}
		if _, dup := types[group.Type]; dup {
			return fmt.Errorf("%w: duplicate variant group %s", store.ErrInvalidSale, group.Type)
		}
		types[group.Type] = struct{}{}

		values := make(map[string]struct{}, len(group.Options))
		for i := range group.Options {
			opt := &group.Options[i]
			if opt.PriceModifier != nil {
				rounded := opt.PriceModifier.Round(2)
				opt.PriceModifier = &rounded
			}
			if strings.TrimSpace(opt.Value) == "" {
				return fmt.Errorf("%w: empty option in %s", store.ErrInvalidSale, group.Type)
			}
			if _, dup := values[opt.Value]; dup {
				return fmt.Errorf("%w: duplicate option %s in %s", store.ErrInvalidSale, opt.Value, group.Type)
			}
			values[opt.Value] = struct{}{}

			if opt.OptionID == "" {
				continue
			}
			if _, err := opt.OptionID.Int64(); err != nil {
				return fmt.Errorf("%w: option id %s is not numeric", store.ErrInvalidSale, opt.OptionID)
			}
			if _, dup := optionIDs[opt.OptionID.String()]; dup {
				return fmt.Errorf("%w: option id %s used twice", store.ErrInvalidSale, opt.OptionID)
			}
			optionIDs[opt.OptionID.String()] = struct{}{}
		}
	}
	return nil
}

func (s *Service) SetStock(ctx context.Context, productID string, qty int) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" || qty < 0 {
		return store.ErrInvalidSale
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return err
	}
	if err := s.repo.SetStock(ctx, productID, qty); err != nil {
		return err
	}
	s.logAudit(ctx, "stock_set", "product", productID, fmt.Sprintf("qty=%d", qty))
	return nil
}

func (s *Service) GetStock(ctx context.Context, productIDs []string) (map[string]int, error) {
	return s.repo.GetStockMap(ctx, productIDs)
}

func (s *Service) SetTaxRate(ctx context.Context, rate decimal.Decimal) (decimal.Decimal, error) {
	if err := requireAdmin(ctx); err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("%w: tax rate must be between 0 and 100", store.ErrInvalidSale)
	}

	previous, err := s.TaxRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.SetTaxRate(ctx, rate); err != nil {
		return decimal.Zero, err
	}

	s.logAudit(ctx, "tax_rate_update", "setting", "tax_rate_percent", fmt.Sprintf("old=%s,new=%s", previous, rate))
	s.invalidateCatalog(ctx)
	return rate, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidSale
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx)
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.IsAdmin() {
		return ErrAdminRequired
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}
