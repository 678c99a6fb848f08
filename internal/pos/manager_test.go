package pos

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"storepos/backend/internal/cart"
	"storepos/backend/internal/domain"
	"storepos/backend/internal/metrics"
	"storepos/backend/internal/service"
	"storepos/backend/internal/store/memory"
)

type staticCatalog struct {
	catalog domain.Catalog
	err     error
}

func (c staticCatalog) Catalog(context.Context) (domain.Catalog, error) {
	return c.catalog, c.err
}

type fakeSettler struct {
	mu      sync.Mutex
	keys    []string
	reqs    []domain.SaleRequest
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSettler) FinalizeSale(_ context.Context, key string, req domain.SaleRequest) (domain.SaleReceipt, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.reqs = append(f.reqs, req)
	entered, release, err := f.entered, f.release, f.err
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	return domain.SaleReceipt{ReceiptID: "rcpt-" + key}, nil
}

func (f *fakeSettler) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func seedCatalog() domain.Catalog {
	return domain.Catalog{Products: memory.SeedProducts(), TaxRatePercent: decimal.NewFromInt(10)}
}

func newTestManager(settler *fakeSettler) *Manager {
	return NewManager(staticCatalog{catalog: seedCatalog()}, settler, metrics.New(), nil)
}

func cashier(name string) context.Context {
	return service.WithActor(context.Background(), domain.Actor{Username: name, Role: domain.RoleCashier})
}

func admin() context.Context {
	return service.WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cash(amount string) cart.Tender {
	return cart.Tender{Method: domain.PaymentCash, CashReceived: decimal.RequireFromString(amount)}
}

func TestAddItemMergesAndReportsProductAdded(t *testing.T) {
	m := newTestManager(&fakeSettler{})
	ctx := cashier("cashier")

	view, err := m.Open(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, StateShopping, view.State)

	sel := domain.SelectedVariants{"Size": "XL", "Color": "Red"}
	_, err = m.AddItem(ctx, view.ID, "1002", sel)
	require.NoError(t, err)
	view, err = m.AddItem(ctx, view.ID, "1002", domain.SelectedVariants{"Color": "Red", "Size": "XL"})
	require.NoError(t, err)

	require.Equal(t, "Product added", view.Message)
	require.Len(t, view.Lines, 1)
	require.Equal(t, 2, view.Lines[0].Quantity)
	require.Equal(t, "17.50", view.Lines[0].Price.StringFixed(2))
	require.Equal(t, "35.00", view.Totals.Subtotal.StringFixed(2))
	require.Equal(t, "3.50", view.Totals.Tax.StringFixed(2))
	require.Equal(t, "38.50", view.Totals.Total.StringFixed(2))
}

func TestSessionsAreOwnedByTheirCashier(t *testing.T) {
	m := newTestManager(&fakeSettler{})
	view, err := m.Open(cashier("alice"), "T1")
	require.NoError(t, err)

	_, err = m.AddItem(cashier("bob"), view.ID, "1003", nil)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = m.Get(admin(), view.ID)
	require.NoError(t, err)

	_, err = m.Open(context.Background(), "T2")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = m.Get(cashier("alice"), "pos-missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestScanUnknownBarcodeLeavesCartUntouched(t *testing.T) {
	m := newTestManager(&fakeSettler{})
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")

	_, err := m.Scan(ctx, view.ID, "0000000000000")
	require.ErrorIs(t, err, ErrProductNotFound)

	view, err = m.Scan(ctx, view.ID, "8991001000017")
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	require.Equal(t, "1003", view.Lines[0].Product.ID)

	_, err = m.AddItem(ctx, view.ID, "9999", nil)
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestUpdateQuantityAndRemove(t *testing.T) {
	m := newTestManager(&fakeSettler{})
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1003", nil)

	view, err := m.UpdateQuantity(ctx, view.ID, "1003", nil, 4)
	require.NoError(t, err)
	require.Equal(t, 5, view.ItemCount)

	view, err = m.UpdateQuantity(ctx, view.ID, "1003", nil, -10)
	require.NoError(t, err)
	require.Equal(t, "Line removed", view.Message)
	require.Empty(t, view.Lines)

	view, err = m.RemoveLine(ctx, view.ID, "1003", nil)
	require.NoError(t, err)
	require.Empty(t, view.Message)
}

func TestCheckoutValidatesBeforeCallingSettler(t *testing.T) {
	settler := &fakeSettler{}
	m := newTestManager(settler)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")

	_, err := m.Checkout(ctx, view.ID, cash("10"))
	require.ErrorIs(t, err, cart.ErrEmptyCart)

	_, _ = m.AddItem(ctx, view.ID, "1004", nil)
	_, err = m.Checkout(ctx, view.ID, cash("1"))
	require.ErrorIs(t, err, cart.ErrInsufficientCash)

	_, err = m.Checkout(ctx, view.ID, cart.Tender{Method: "voucher"})
	require.ErrorIs(t, err, cart.ErrUnsupportedPaymentMethod)

	require.Zero(t, settler.calls())
}

func TestCheckoutSuccessClearsCartAndKeepsReceipt(t *testing.T) {
	settler := &fakeSettler{}
	m := newTestManager(settler)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1001", domain.SelectedVariants{"Size": "Large", "Milk": "Oat"})

	_, err := m.OpenPayment(ctx, view.ID)
	require.NoError(t, err)

	view, err = m.Checkout(ctx, view.ID, cash("10"))
	require.NoError(t, err)
	require.Equal(t, StateReceipt, view.State)
	require.Empty(t, view.Lines)
	require.NotNil(t, view.Receipt)
	require.Equal(t, "5.61", view.Receipt.Settlement.Total.StringFixed(2))
	require.Equal(t, "4.39", view.Receipt.Settlement.Change.StringFixed(2))

	require.Equal(t, 1, settler.calls())
	require.True(t, strings.HasPrefix(settler.keys[0], "chk"))
	require.Equal(t, "rcpt-"+settler.keys[0], view.Receipt.ReceiptID)
	require.Equal(t, []int64{13, 22}, settler.reqs[0].Items[0].VariantOptions)

	view, err = m.AddItem(ctx, view.ID, "1003", nil)
	require.NoError(t, err)
	require.Equal(t, StateShopping, view.State)
	require.Nil(t, view.Receipt)
}

func TestCheckoutFailureKeepsCartAndSurfacesMessage(t *testing.T) {
	settler := &fakeSettler{err: errors.New("product 1004 is out of stock")}
	m := newTestManager(settler)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1004", nil)

	view, err := m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
	require.EqualError(t, err, "product 1004 is out of stock")
	require.Equal(t, StatePayment, view.State)
	require.Len(t, view.Lines, 1)
	require.False(t, view.CheckoutInFlight)
}

func TestSecondCheckoutWhileInFlightIsRejected(t *testing.T) {
	settler := &fakeSettler{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestManager(settler)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1004", nil)

	type result struct {
		view SessionView
		err  error
	}
	done := make(chan result, 1)
	go func() {
		v, err := m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
		done <- result{v, err}
	}()
	<-settler.entered

	_, err := m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
	require.ErrorIs(t, err, ErrCheckoutInFlight)
	_, err = m.AddItem(ctx, view.ID, "1003", nil)
	require.ErrorIs(t, err, ErrCheckoutInFlight)

	current, err := m.Get(ctx, view.ID)
	require.NoError(t, err)
	require.True(t, current.CheckoutInFlight)

	close(settler.release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, StateReceipt, res.view.State)
	require.Equal(t, 1, settler.calls())
}

func TestLateResultAfterCancelIsIgnored(t *testing.T) {
	settler := &fakeSettler{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestManager(settler)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1004", nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
		done <- err
	}()
	<-settler.entered

	view, err := m.CancelPayment(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, StateShopping, view.State)

	close(settler.release)
	require.ErrorIs(t, <-done, ErrSessionMovedOn)

	view, err = m.Get(ctx, view.ID)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1, "late success must not clear the cart")
	require.Nil(t, view.Receipt)
}

// gatedSettler forwards to a real settler and holds the first call until
// release is closed.
type gatedSettler struct {
	inner   Settler
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	keys     []string
	receipts []string
}

func (g *gatedSettler) FinalizeSale(ctx context.Context, key string, req domain.SaleRequest) (domain.SaleReceipt, error) {
	g.mu.Lock()
	first := len(g.keys) == 0
	g.keys = append(g.keys, key)
	g.mu.Unlock()

	if first {
		g.entered <- struct{}{}
		<-g.release
	}
	receipt, err := g.inner.FinalizeSale(ctx, key, req)
	g.mu.Lock()
	g.receipts = append(g.receipts, receipt.ReceiptID)
	g.mu.Unlock()
	return receipt, err
}

func TestRetryAfterCancelRecordsOneSale(t *testing.T) {
	repo := memory.NewSeeded(nil)
	svc := service.New(repo, nil, decimal.NewFromInt(10), nil)
	settler := &gatedSettler{inner: svc, entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewManager(svc, settler, nil, nil)
	ctx := cashier("cashier")

	before, err := repo.GetStockMap(ctx, []string{"1004"})
	require.NoError(t, err)

	view, _ := m.Open(ctx, "T1")
	_, err = m.AddItem(ctx, view.ID, "1004", nil)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
		first <- err
	}()
	<-settler.entered

	_, err = m.CancelPayment(ctx, view.ID)
	require.NoError(t, err)

	close(settler.release)
	retry, err := m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
	require.NoError(t, err)
	require.Equal(t, StateReceipt, retry.State)
	require.ErrorIs(t, <-first, ErrSessionMovedOn)

	settler.mu.Lock()
	defer settler.mu.Unlock()
	require.Len(t, settler.keys, 2)
	require.Equal(t, settler.keys[0], settler.keys[1], "retry must reuse the idempotency key")
	require.Equal(t, settler.receipts[0], settler.receipts[1])
	require.Equal(t, retry.Receipt.ReceiptID, settler.receipts[0])

	after, err := repo.GetStockMap(ctx, []string{"1004"})
	require.NoError(t, err)
	require.Equal(t, before["1004"]-1, after["1004"], "stock must be taken once")
}

func TestCartChangeStartsNewIdempotencyKey(t *testing.T) {
	settler := &fakeSettler{err: errors.New("card reader offline")}
	m := newTestManager(settler)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1004", nil)

	for i := 0; i < 2; i++ {
		_, err := m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
		require.Error(t, err)
	}
	_, err := m.AddItem(ctx, view.ID, "1003", nil)
	require.NoError(t, err)
	_, err = m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
	require.Error(t, err)

	require.Equal(t, 3, settler.calls())
	require.Equal(t, settler.keys[0], settler.keys[1])
	require.NotEqual(t, settler.keys[1], settler.keys[2])
}

type switchableCatalog struct {
	mu      sync.Mutex
	catalog domain.Catalog
}

func (c *switchableCatalog) Catalog(context.Context) (domain.Catalog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog, nil
}

func (c *switchableCatalog) setTaxRate(rate string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog.TaxRatePercent = decimal.RequireFromString(rate)
}

func TestOpenPaymentRefreshesTaxRate(t *testing.T) {
	source := &switchableCatalog{catalog: seedCatalog()}
	settler := &fakeSettler{}
	m := NewManager(source, settler, nil, nil)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1004", nil)

	source.setTaxRate("20")
	view, err := m.OpenPayment(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, "20", view.TaxRatePercent.String())
	require.Equal(t, "5.70", view.Totals.Total.StringFixed(2))

	_, err = m.Checkout(ctx, view.ID, cart.Tender{Method: domain.PaymentCard})
	require.NoError(t, err)
	require.Equal(t, 0.95, settler.reqs[0].Tax)
}

func TestExpireIdleDropsStaleSessions(t *testing.T) {
	m := newTestManager(&fakeSettler{})
	ctx := cashier("cashier")
	stale, _ := m.Open(ctx, "T1")
	fresh, _ := m.Open(ctx, "T2")

	later := time.Now().UTC().Add(10 * time.Minute)
	m.now = func() time.Time { return later }
	_, err := m.AddItem(ctx, fresh.ID, "1003", nil)
	require.NoError(t, err)

	removed := m.ExpireIdle(later.Add(5*time.Minute), 8*time.Minute)
	require.Equal(t, 1, removed)

	_, err = m.Get(ctx, stale.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestQuoteDoesNotChangeState(t *testing.T) {
	m := newTestManager(&fakeSettler{})
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")
	_, _ = m.AddItem(ctx, view.ID, "1003", nil)

	settlement, err := m.Quote(ctx, view.ID, cash("2"))
	require.NoError(t, err)
	require.Equal(t, "1.38", settlement.Total.StringFixed(2))
	require.Equal(t, "0.62", settlement.Change.StringFixed(2))

	view, err = m.Get(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, StateShopping, view.State)
	require.Len(t, view.Lines, 1)
}

func TestCatalogFailureIsReported(t *testing.T) {
	m := NewManager(staticCatalog{err: errors.New("back office unreachable")}, &fakeSettler{}, nil, nil)
	ctx := cashier("cashier")
	view, _ := m.Open(ctx, "T1")

	_, err := m.AddItem(ctx, view.ID, "1003", nil)
	require.ErrorContains(t, err, "back office unreachable")
}
