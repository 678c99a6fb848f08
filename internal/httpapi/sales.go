package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"storepos/backend/internal/domain"
	"storepos/backend/internal/logging"
	"storepos/backend/internal/service"
	"storepos/backend/internal/store"
)

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := a.catalog.Catalog(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

// handleFinalizeSale always answers with a sale envelope so terminals can
// show the failure message without knowing the status codes.
func (a *API) handleFinalizeSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeEnvelopeError(w, r, http.StatusBadRequest, err)
		return
	}

	receipt, err := a.service.FinalizeSale(r.Context(), r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		writeEnvelopeError(w, r, saleErrorStatus(err), err)
		return
	}
	writeEnvelope(w, http.StatusCreated, receipt)
}

func saleErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidSale), errors.Is(err, store.ErrNotFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		raw, _ = json.Marshal("internal server error")
		writeJSON(w, status, domain.SaleEnvelope{Error: true, Data: raw})
		return
	}
	writeJSON(w, status, domain.SaleEnvelope{Error: false, Data: raw})
}

func writeEnvelopeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		logging.FromContext(r.Context()).Error("sale finalize failed", zap.Error(err))
		msg = "internal server error"
	}
	raw, _ := json.Marshal(msg)
	writeJSON(w, status, domain.SaleEnvelope{Error: true, Data: raw})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "receiptID"))
	if err != nil {
		writeError(w, r, lookupErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleSaleEscpos(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.BuildReceipt(r.Context(), chi.URLParam(r, "receiptID"))
	if err != nil {
		writeError(w, r, lookupErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:void:" + clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.VerifyManagerPIN(req.ManagerPIN) {
		writeError(w, r, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	resp, err := a.service.VoidSale(r.Context(), chi.URLParam(r, "receiptID"), req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, store.ErrInvalidSale):
			status = http.StatusConflict
		}
		writeError(w, r, status, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	includeInactive := strings.EqualFold(r.URL.Query().Get("include_inactive"), "true")
	products, err := a.service.ListProducts(r.Context(), includeInactive)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeError(w, r, maintenanceErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "productID"), req)
	if err != nil {
		writeError(w, r, maintenanceErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	stock, err := a.service.GetStock(r.Context(), []string{productID})
	if err != nil {
		writeError(w, r, maintenanceErrorStatus(err), err)
		return
	}
	qty, ok := stock[productID]
	if !ok {
		writeError(w, r, http.StatusNotFound, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": productID, "qty": qty})
}

func (a *API) handleSetStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	productID := chi.URLParam(r, "productID")
	if err := a.service.SetStock(r.Context(), productID, req.Qty); err != nil {
		writeError(w, r, maintenanceErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": productID, "qty": req.Qty})
}

func (a *API) handleSetTaxRate(w http.ResponseWriter, r *http.Request) {
	var req domain.TaxRateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	rate, err := a.service.SetTaxRate(r.Context(), req.TaxRatePercent)
	if err != nil {
		writeError(w, r, maintenanceErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, domain.TaxRateRequest{TaxRatePercent: rate})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		writeError(w, r, maintenanceErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidUsername), errors.Is(err, ErrWeakPassword):
			status = http.StatusBadRequest
		case errors.Is(err, ErrUsernameTaken):
			status = http.StatusConflict
		}
		writeError(w, r, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

func lookupErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidSale):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func maintenanceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidSale):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
