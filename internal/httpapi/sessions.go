package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storepos/backend/internal/backoffice"
	"storepos/backend/internal/cart"
	"storepos/backend/internal/domain"
	"storepos/backend/internal/pos"
	"storepos/backend/internal/store"
)

type openSessionRequest struct {
	TerminalID string `json:"terminal_id"`
}

type lineRequest struct {
	ProductID        string                  `json:"product_id"`
	SelectedVariants domain.SelectedVariants `json:"selected_variants"`
	Delta            int                     `json:"delta,omitempty"`
}

type scanRequest struct {
	Barcode string `json:"barcode"`
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.sessions.Open(r.Context(), req.TerminalID)
	if err != nil {
		writeSessionError(w, r, view, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": view})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	writeSession(w, r, view, err)
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, r, pos.SessionView{}, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.sessions.AddItem(r.Context(), chi.URLParam(r, "sessionID"), req.ProductID, req.SelectedVariants)
	writeSession(w, r, view, err)
}

func (a *API) handleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.sessions.UpdateQuantity(r.Context(), chi.URLParam(r, "sessionID"), req.ProductID, req.SelectedVariants, req.Delta)
	writeSession(w, r, view, err)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.sessions.RemoveLine(r.Context(), chi.URLParam(r, "sessionID"), req.ProductID, req.SelectedVariants)
	writeSession(w, r, view, err)
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.sessions.Scan(r.Context(), chi.URLParam(r, "sessionID"), req.Barcode)
	writeSession(w, r, view, err)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.sessions.Clear(r.Context(), chi.URLParam(r, "sessionID"))
	writeSession(w, r, view, err)
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	var tender cart.Tender
	if err := decodeJSON(r, &tender); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	settlement, err := a.sessions.Quote(r.Context(), chi.URLParam(r, "sessionID"), tender)
	if err != nil {
		writeError(w, r, sessionErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlement": settlement})
}

func (a *API) handleOpenPayment(w http.ResponseWriter, r *http.Request) {
	view, err := a.sessions.OpenPayment(r.Context(), chi.URLParam(r, "sessionID"))
	writeSession(w, r, view, err)
}

func (a *API) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	view, err := a.sessions.CancelPayment(r.Context(), chi.URLParam(r, "sessionID"))
	writeSession(w, r, view, err)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var tender cart.Tender
	if err := decodeJSON(r, &tender); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.sessions.Checkout(r.Context(), chi.URLParam(r, "sessionID"), tender)
	writeSession(w, r, view, err)
}

func writeSession(w http.ResponseWriter, r *http.Request, view pos.SessionView, err error) {
	if err != nil {
		writeSessionError(w, r, view, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

// writeSessionError includes the session state when the manager returned
// one, so a terminal can redraw the cart next to the failure message.
func writeSessionError(w http.ResponseWriter, r *http.Request, view pos.SessionView, err error) {
	status := sessionErrorStatus(err)
	if status >= 500 || view.ID == "" {
		writeError(w, r, status, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"error":   err.Error(),
		"session": view,
	})
}

func sessionErrorStatus(err error) int {
	var rejected *backoffice.RejectedError
	switch {
	case errors.Is(err, pos.ErrSessionNotFound), errors.Is(err, pos.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, pos.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pos.ErrCheckoutInFlight), errors.Is(err, pos.ErrSessionMovedOn):
		return http.StatusConflict
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cart.ErrEmptyCart),
		errors.Is(err, cart.ErrInsufficientCash),
		errors.Is(err, cart.ErrUnsupportedPaymentMethod),
		errors.Is(err, cart.ErrInvalidProductID),
		errors.Is(err, cart.ErrInvalidOptionID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidSale):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
