package margin

import (
	"context"
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

// Closer settles a user-initiated close.
type Closer interface {
	ClosePosition(ctx context.Context, userID, positionID string) (model.MarginPosition, error)
}

type Handler struct {
	svc    *Service
	closer Closer
}

func NewHandler(svc *Service, closer Closer) *Handler {
	return &Handler{svc: svc, closer: closer}
}

type openPositionRequest struct {
	Pair     string `json:"pair" validate:"required"`
	Side     string `json:"side" validate:"required,oneof=long short"`
	Amount   string `json:"amount" validate:"required"`
	Leverage int    `json:"leverage" validate:"min=1,max=10"`
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request, userID string) {
	var req openPositionRequest
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
	p, err := h.svc.Open(r.Context(), OpenRequest{
		UserID:   userID,
		Pair:     req.Pair,
		Side:     types.PositionSide(req.Side),
		Amount:   amount,
		Leverage: req.Leverage,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	status := types.PositionStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	out, err := h.svc.List(r.Context(), userID, status)
	if err != nil {
		WriteError(w, err)
		return
	}
	if out == nil {
		out = []model.MarginPosition{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := h.closer.ClosePosition(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidPosition), errors.Is(err, ErrInvalidLeverage), errors.Is(err, ledger.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotOwner), errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotOpen):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, marketdata.ErrOracleUnavailable):
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
}
