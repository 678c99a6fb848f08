package backoffice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storepos/backend/internal/domain"
)

type fakeBackoffice struct {
	mu         sync.Mutex
	logins     int
	reject401  bool
	lastKey    string
	lastSale   domain.SaleRequest
	saleStatus int
	saleBody   string
}

func (f *fakeBackoffice) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req domain.LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Username != "terminal" || req.Password != "secret-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.logins++
		token := fmt.Sprintf("tok-%d", f.logins)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(domain.LoginResponse{
			AccessToken: token,
			Role:        domain.RoleCashier,
			ExpiresAt:   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/api/v1/catalog", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reject := f.reject401
		f.reject401 = false
		f.mu.Unlock()
		if reject || r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"products":[{"id":"1002","name":"Crew T-Shirt","category":"apparel","price":"15.00","active":true,
			"variants":[{"type":"Size","options":[{"value":"XL","price_modifier":2.5,"option_id":"34"}]}]}],"tax_rate_percent":"13"}`))
	})
	mux.HandleFunc("/api/v1/sales", func(w http.ResponseWriter, r *http.Request) {
		var req domain.SaleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lastKey = r.Header.Get("Idempotency-Key")
		f.lastSale = req
		status, body := f.saleStatus, f.saleBody
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeBackoffice) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/", Username: "terminal", Password: "secret-pass", Timeout: 2 * time.Second})
}

func TestCatalogCachesLoginToken(t *testing.T) {
	f := &fakeBackoffice{}
	c := newTestClient(t, f)

	for i := 0; i < 2; i++ {
		catalog, err := c.Catalog(context.Background())
		require.NoError(t, err)
		require.Len(t, catalog.Products, 1)
		require.Equal(t, "13", catalog.TaxRatePercent.String())
		opt := catalog.Products[0].Variants[0].Options[0]
		require.Equal(t, "2.5", opt.PriceModifier.String())
		require.Equal(t, "34", opt.OptionID.String())
	}
	require.Equal(t, 1, f.logins)
}

func TestCatalogLogsInAgainOnUnauthorized(t *testing.T) {
	f := &fakeBackoffice{}
	c := newTestClient(t, f)

	_, err := c.Catalog(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.reject401 = true
	f.mu.Unlock()

	_, err = c.Catalog(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, f.logins)
}

func TestFinalizeSaleSendsIdempotencyKeyAndDecodesReceipt(t *testing.T) {
	f := &fakeBackoffice{saleBody: `{"error":false,"data":{"receipt_id":"rcpt-42"}}`}
	c := newTestClient(t, f)

	received, change := 50.0, 12.32
	receipt, err := c.FinalizeSale(context.Background(), "chk-1", domain.SaleRequest{
		Items:         []domain.SaleItem{{ProductID: 1002, Quantity: 2, Price: 17.5, ProductName: "Crew T-Shirt", VariantOptions: []int64{34}}},
		Subtotal:      35,
		Tax:           4.55,
		Total:         39.55,
		PaymentMethod: "cash",
		CashReceived:  &received,
		Change:        &change,
	})
	require.NoError(t, err)
	require.Equal(t, "rcpt-42", receipt.ReceiptID)
	require.Equal(t, "chk-1", f.lastKey)
	require.Equal(t, []int64{34}, f.lastSale.Items[0].VariantOptions)
}

func TestFinalizeSaleSurfacesBackendMessage(t *testing.T) {
	f := &fakeBackoffice{saleStatus: http.StatusUnprocessableEntity, saleBody: `{"error":true,"data":"product 1002 is out of stock"}`}
	c := newTestClient(t, f)

	_, err := c.FinalizeSale(context.Background(), "chk-2", domain.SaleRequest{PaymentMethod: "card"})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, http.StatusUnprocessableEntity, rejected.Status)
	require.EqualError(t, err, "product 1002 is out of stock")
}

func TestFinalizeSaleFallsBackOnGarbledReply(t *testing.T) {
	f := &fakeBackoffice{saleStatus: http.StatusBadGateway, saleBody: `<html>bad gateway</html>`}
	c := newTestClient(t, f)

	_, err := c.FinalizeSale(context.Background(), "chk-3", domain.SaleRequest{PaymentMethod: "card"})
	require.EqualError(t, err, FallbackMessage)
}

func TestFinalizeSaleFallsBackWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{BaseURL: url, Username: "terminal", Password: "secret-pass", Timeout: time.Second})
	_, err := c.FinalizeSale(context.Background(), "chk-4", domain.SaleRequest{PaymentMethod: "card"})
	require.EqualError(t, err, FallbackMessage)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.NotNil(t, rejected.Cause)
}
