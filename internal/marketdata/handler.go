package marketdata

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"brokercore/internal/httputil"

	"github.com/shopspring/decimal"
)

type Handler struct {
	pub Publisher
}

func NewHandler(pub Publisher) *Handler {
	return &Handler{pub: pub}
}

type quoteRequest struct {
	Pair  string     `json:"pair" validate:"required"`
	Price string     `json:"price" validate:"required"`
	AsOf  *time.Time `json:"as_of"`
}

// PublishQuote lets an upstream feed push a price.
func (h *Handler) PublishQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid price"})
		return
	}
	q := Quote{Price: price, AsOf: time.Now().UTC()}
	if req.AsOf != nil {
		q.AsOf = req.AsOf.UTC()
	}
	pair := strings.ToUpper(strings.TrimSpace(req.Pair))
	if err := h.pub.SetQuote(r.Context(), pair, q); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidQuote) {
			status = http.StatusBadRequest
		}
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"pair": pair, "price": q.Price, "as_of": q.AsOf})
}
