package httpserver

import (
	"net/http"

	"brokercore/internal/auth"
	"brokercore/internal/health"
	"brokercore/internal/ledger"
	"brokercore/internal/margin"
	"brokercore/internal/marketdata"
	"brokercore/internal/orders"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	AuthHandler     *auth.Handler
	LedgerHandler   *ledger.Handler
	OrderHandler    *orders.Handler
	PositionHandler *margin.Handler
	MarketHandler   *marketdata.Handler
	HealthHandler   *health.Handler
	AuthService     *auth.Service
	RateLimiter     *RateLimiter
	InternalToken   string
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Instrument)
	r.Use(SecurityHeaders)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		r.Use(WithAuth(d.AuthService))
		r.Get("/balances", withUser(d.LedgerHandler.Balances))
		r.Get("/ledger/entries", withUser(d.LedgerHandler.Entries))

		r.Get("/orders", withUser(d.OrderHandler.List))
		r.Get("/orders/stats", withUser(d.OrderHandler.Stats))
		r.Get("/orders/{id}", withUser(d.OrderHandler.Get))
		r.Post("/orders", withUser(d.OrderHandler.Create))
		r.Delete("/orders/{id}", withUser(d.OrderHandler.Cancel))

		r.Get("/positions", withUser(d.PositionHandler.List))
		r.Post("/positions", withUser(d.PositionHandler.Open))
		r.Post("/positions/{id}/close", withUser(d.PositionHandler.Close))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuth(d.InternalToken))
		r.Post("/deposits", d.LedgerHandler.Deposit)
		r.Post("/withdrawals", d.LedgerHandler.Withdraw)
		r.Get("/ledger/verify", d.LedgerHandler.Verify)
		r.Post("/prices", d.MarketHandler.PublishQuote)
		r.Post("/tokens", d.AuthHandler.IssueToken)
	})
	return r
}
