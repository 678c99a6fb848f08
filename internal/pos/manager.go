package pos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"storepos/backend/internal/cart"
	"storepos/backend/internal/domain"
	"storepos/backend/internal/metrics"
	"storepos/backend/internal/service"
	"storepos/backend/internal/xid"
)

var (
	ErrSessionNotFound  = errors.New("pos session not found")
	ErrForbidden        = errors.New("pos session belongs to another cashier")
	ErrProductNotFound  = errors.New("product not found")
	ErrCheckoutInFlight = errors.New("checkout already in progress")
	ErrSessionMovedOn   = errors.New("session moved on before the sale was confirmed")
)

type CatalogSource interface {
	Catalog(ctx context.Context) (domain.Catalog, error)
}

// Settler records a finalized sale. The idempotency key identifies one
// checkout attempt so a retried request cannot record the sale twice.
type Settler interface {
	FinalizeSale(ctx context.Context, idempotencyKey string, req domain.SaleRequest) (domain.SaleReceipt, error)
}

type Manager struct {
	catalog CatalogSource
	settler Settler
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(catalog CatalogSource, settler Settler, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		catalog:  catalog,
		settler:  settler,
		metrics:  m,
		logger:   logger.Named("pos"),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*session),
	}
}

func actorFrom(ctx context.Context) (domain.Actor, error) {
	actor, ok := service.ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (m *Manager) Open(ctx context.Context, terminalID string) (SessionView, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return SessionView{}, err
	}
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		terminalID = "main-terminal"
	}

	s := &session{
		id:         xid.New("pos"),
		terminalID: terminalID,
		owner:      actor,
		cart:       cart.New(),
		state:      StateShopping,
		lastSeen:   m.now(),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	open := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetOpenSessions(open)
	m.logger.Info("pos session opened",
		zap.String("session_id", s.id),
		zap.String("terminal_id", terminalID),
		zap.String("cashier", actor.Username),
	)
	return s.view(""), nil
}

// lookup returns the session if the actor may use it. Callers hold m.mu.
func (m *Manager) lookup(actor domain.Actor, id string) (*session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !actor.IsAdmin() && s.owner.Username != actor.Username {
		return nil, ErrForbidden
	}
	return s, nil
}

func (m *Manager) authorize(ctx context.Context, id string) (domain.Actor, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(actor, id); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

// mutate applies fn to the cart of a session that has no checkout in flight.
// fn reports whether it changed anything; no-ops leave the state alone.
func (m *Manager) mutate(actor domain.Actor, id string, op string, fn func(s *session) (string, bool)) (SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(actor, id)
	if err != nil {
		return SessionView{}, err
	}
	if s.inflight != "" {
		return s.view(""), ErrCheckoutInFlight
	}

	s.lastSeen = m.now()
	message, changed := fn(s)
	if changed {
		s.resumeShopping()
		s.saleKey = ""
		m.metrics.CartOp(op)
	}
	return s.view(message), nil
}

func (m *Manager) Get(ctx context.Context, id string) (SessionView, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return SessionView{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(actor, id)
	if err != nil {
		return SessionView{}, err
	}
	return s.view(""), nil
}

// Close drops the session and its cart. A checkout still in flight finishes
// on the backend but its result is no longer attached to anything.
func (m *Manager) Close(ctx context.Context, id string) error {
	actor, err := actorFrom(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, err := m.lookup(actor, id); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.sessions, id)
	open := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetOpenSessions(open)
	m.logger.Info("pos session closed", zap.String("session_id", id), zap.String("by", actor.Username))
	return nil
}

func (m *Manager) loadCatalog(ctx context.Context) (domain.Catalog, error) {
	catalog, err := m.catalog.Catalog(ctx)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("load catalog: %w", err)
	}
	return catalog, nil
}

func (m *Manager) AddItem(ctx context.Context, id string, productID string, selected domain.SelectedVariants) (SessionView, error) {
	actor, err := m.authorize(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	catalog, err := m.loadCatalog(ctx)
	if err != nil {
		return SessionView{}, err
	}
	product, ok := catalog.Product(strings.TrimSpace(productID))
	if !ok || !product.Active {
		return SessionView{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return m.addProduct(actor, id, catalog, product, selected, "add")
}

// Scan adds one unit of the product carrying barcode. Unknown barcodes leave
// the cart untouched.
func (m *Manager) Scan(ctx context.Context, id string, barcode string) (SessionView, error) {
	actor, err := m.authorize(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	catalog, err := m.loadCatalog(ctx)
	if err != nil {
		return SessionView{}, err
	}
	barcode = strings.TrimSpace(barcode)
	product, ok := catalog.ProductByBarcode(barcode)
	if !ok || !product.Active {
		return SessionView{}, fmt.Errorf("%w: barcode %s", ErrProductNotFound, barcode)
	}
	return m.addProduct(actor, id, catalog, product, nil, "scan")
}

func (m *Manager) addProduct(actor domain.Actor, id string, catalog domain.Catalog, product domain.Product, selected domain.SelectedVariants, op string) (SessionView, error) {
	return m.mutate(actor, id, op, func(s *session) (string, bool) {
		s.taxRate = catalog.TaxRatePercent
		s.cart.Add(product, selected)
		return "Product added", true
	})
}

func (m *Manager) UpdateQuantity(ctx context.Context, id string, productID string, selected domain.SelectedVariants, delta int) (SessionView, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return SessionView{}, err
	}
	return m.mutate(actor, id, "update", func(s *session) (string, bool) {
		line, ok := s.cart.UpdateQuantity(productID, selected, delta)
		switch {
		case !ok:
			return "", false
		case line.Quantity == 0:
			return "Line removed", true
		default:
			return "Quantity updated", true
		}
	})
}

func (m *Manager) RemoveLine(ctx context.Context, id string, productID string, selected domain.SelectedVariants) (SessionView, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return SessionView{}, err
	}
	return m.mutate(actor, id, "remove", func(s *session) (string, bool) {
		if s.cart.Remove(productID, selected) {
			return "Line removed", true
		}
		return "", false
	})
}

func (m *Manager) Clear(ctx context.Context, id string) (SessionView, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return SessionView{}, err
	}
	return m.mutate(actor, id, "clear", func(s *session) (string, bool) {
		s.cart.Clear()
		return "Cart cleared", true
	})
}

// Quote settles the cart without recording anything, for the payment screen.
func (m *Manager) Quote(ctx context.Context, id string, tender cart.Tender) (domain.Settlement, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(actor, id)
	if err != nil {
		return domain.Settlement{}, err
	}
	s.lastSeen = m.now()
	return cart.Settle(s.cart.Lines(), s.taxRate, tender)
}

// OpenPayment moves the session to the payment step and refreshes the tax
// rate from the catalog. If the catalog cannot be reached the rate of the last
// fetch is kept.
func (m *Manager) OpenPayment(ctx context.Context, id string) (SessionView, error) {
	actor, err := m.authorize(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	catalog, catalogErr := m.loadCatalog(ctx)
	if catalogErr != nil {
		m.logger.Warn("keeping cached tax rate for payment", zap.String("session_id", id), zap.Error(catalogErr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(actor, id)
	if err != nil {
		return SessionView{}, err
	}
	if s.cart.Empty() {
		return s.view(""), cart.ErrEmptyCart
	}
	if catalogErr == nil && s.inflight == "" {
		if !s.taxRate.Equal(catalog.TaxRatePercent) {
			s.saleKey = ""
		}
		s.taxRate = catalog.TaxRatePercent
	}
	s.state = StatePayment
	s.receipt = nil
	s.lastSeen = m.now()
	return s.view(""), nil
}

// CancelPayment returns to shopping with the cart intact. A checkout that is
// already in flight is not aborted; its result will be ignored.
func (m *Manager) CancelPayment(ctx context.Context, id string) (SessionView, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return SessionView{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(actor, id)
	if err != nil {
		return SessionView{}, err
	}
	if s.state == StatePayment {
		s.state = StateShopping
	}
	s.inflight = ""
	s.lastSeen = m.now()
	return s.view(""), nil
}

// Checkout validates the tender locally, then asks the settler to record the
// sale. The session lock is not held during that call. On success the cart is
// cleared and the receipt kept; on failure the cart is left as it was.
func (m *Manager) Checkout(ctx context.Context, id string, tender cart.Tender) (SessionView, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return SessionView{}, err
	}

	m.mu.Lock()
	s, err := m.lookup(actor, id)
	if err != nil {
		m.mu.Unlock()
		return SessionView{}, err
	}
	if s.inflight != "" {
		view := s.view("")
		m.mu.Unlock()
		return view, ErrCheckoutInFlight
	}

	lines := s.cart.Lines()
	settlement, err := cart.Settle(lines, s.taxRate, tender)
	var req domain.SaleRequest
	if err == nil {
		req, err = cart.BuildSaleRequest(lines, settlement)
	}
	if err != nil {
		view := s.view("")
		m.mu.Unlock()
		m.metrics.Checkout("rejected")
		return view, err
	}

	// The idempotency key lives until the cart changes, so a retry after a
	// cancelled or failed attempt cannot record the same cart twice.
	if s.saleKey == "" {
		s.saleKey = xid.New("chk")
	}
	token := xid.New("att")
	s.inflight = token
	s.state = StatePayment
	s.receipt = nil
	s.lastSeen = m.now()
	key := s.saleKey
	m.mu.Unlock()

	return m.finalize(ctx, s, token, key, req, settlement, len(lines))
}

func (m *Manager) finalize(ctx context.Context, s *session, token string, key string, req domain.SaleRequest, settlement domain.Settlement, lineCount int) (SessionView, error) {
	started := m.now()
	receipt, callErr := m.settler.FinalizeSale(ctx, key, req)

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.id]
	if !ok || current != s || s.inflight != token {
		m.metrics.Checkout("ignored")
		m.logger.Warn("ignoring checkout result for session that moved on",
			zap.String("session_id", s.id),
			zap.String("token", token),
			zap.String("idempotency_key", key),
			zap.String("receipt_id", receipt.ReceiptID),
			zap.Error(callErr),
		)
		return SessionView{}, ErrSessionMovedOn
	}
	s.inflight = ""
	s.lastSeen = m.now()

	if callErr != nil {
		m.metrics.Checkout("failed")
		m.logger.Warn("checkout failed",
			zap.String("session_id", s.id),
			zap.Int("lines", lineCount),
			zap.Duration("elapsed", m.now().Sub(started)),
			zap.Error(callErr),
		)
		return s.view(""), callErr
	}

	itemCount := s.cart.ItemCount()
	s.cart.Clear()
	s.saleKey = ""
	s.state = StateReceipt
	s.receipt = &Receipt{
		ReceiptID:   receipt.ReceiptID,
		Settlement:  settlement,
		ItemCount:   itemCount,
		CompletedAt: m.now(),
	}
	m.metrics.Checkout("success")
	m.logger.Info("checkout completed",
		zap.String("session_id", s.id),
		zap.String("receipt_id", receipt.ReceiptID),
		zap.String("total", settlement.Total.StringFixed(2)),
		zap.Duration("elapsed", m.now().Sub(started)),
	)
	return s.view("Sale completed"), nil
}

// ExpireIdle drops sessions idle for longer than maxIdle and reports how many
// were removed.
func (m *Manager) ExpireIdle(now time.Time, maxIdle time.Duration) int {
	cutoff := now.Add(-maxIdle)

	m.mu.Lock()
	expired := 0
	for id, s := range m.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(m.sessions, id)
			expired++
		}
	}
	open := len(m.sessions)
	m.mu.Unlock()

	if expired > 0 {
		m.metrics.SetOpenSessions(open)
		m.logger.Info("expired idle pos sessions", zap.Int("count", expired))
	}
	return expired
}
