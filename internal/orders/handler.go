package orders

import (
	"errors"
	"net/http"
	"strings"

	"brokercore/internal/httputil"
	"brokercore/internal/ledger"
	"brokercore/internal/marketdata"
	"brokercore/internal/model"
	"brokercore/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type createOrderRequest struct {
	Pair         string `json:"pair" validate:"required"`
	Kind         string `json:"kind" validate:"required,oneof=limit stop-loss take-profit trailing-stop"`
	Side         string `json:"side" validate:"required,oneof=buy sell"`
	Amount       string `json:"amount" validate:"required"`
	TriggerPrice string `json:"trigger_price"`
	TrailPercent string `json:"trail_percent"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req createOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	trigger, err := optionalDecimal(req.TriggerPrice)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid trigger_price"})
		return
	}
	trail, err := optionalDecimal(req.TrailPercent)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid trail_percent"})
		return
	}
	o, err := h.svc.Create(r.Context(), CreateRequest{
		UserID:       userID,
		Pair:         req.Pair,
		Kind:         types.OrderKind(req.Kind),
		Side:         types.OrderSide(req.Side),
		Amount:       amount,
		TriggerPrice: trigger,
		TrailPercent: trail,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, o)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	status := types.OrderStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	out, err := h.svc.List(r.Context(), userID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []model.ConditionalOrder{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.svc.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.svc.Stats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []StatRow{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.svc.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ledger.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotOwner), errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrTooLate):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, marketdata.ErrOracleUnavailable):
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
}
