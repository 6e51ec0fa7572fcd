package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"brokercore/internal/httputil"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type movementRequest struct {
	UserID    string `json:"user_id"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

func (h *Handler) Balances(w http.ResponseWriter, r *http.Request, userID string) {
	accounts, err := h.svc.Balances(r.Context(), userID)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if accounts == nil {
		accounts = []Account{}
	}
	httputil.WriteJSON(w, http.StatusOK, accounts)
}

func (h *Handler) Entries(w http.ResponseWriter, r *http.Request, userID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := h.svc.History(r.Context(), userID, limit, offset)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := readMovement(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.Credit(r.Context(), req.UserID, req.Currency, amount, types.LedgerEntryTypeDeposit, externalRef(req.Reference))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := readMovement(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.Debit(r.Context(), req.UserID, req.Currency, amount, types.LedgerEntryTypeWithdrawal, externalRef(req.Reference))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	currency := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("currency")))
	if userID == "" || currency == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "user_id and currency are required"})
		return
	}
	v, err := h.svc.Verify(r.Context(), userID, currency)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func readMovement(w http.ResponseWriter, r *http.Request) (movementRequest, decimal.Decimal, bool) {
	var req movementRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return req, decimal.Zero, false
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.UserID == "" || req.Currency == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "user_id and currency are required"})
		return req, decimal.Zero, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return req, decimal.Zero, false
	}
	return req, amount, true
}

func externalRef(reference string) Ref {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Ref{}
	}
	return Ref{Type: types.RefExternal, ID: reference}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrAccountNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientReserved):
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, httputil.ErrorResponse{Error: err.Error()})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
	}
}
