package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"brokercore/internal/auth"
	"brokercore/internal/broker"
	"brokercore/internal/execution"
	"brokercore/internal/gate"
	"brokercore/internal/health"
	"brokercore/internal/ledger"
	"brokercore/internal/margin"
	"brokercore/internal/marketdata"
	"brokercore/internal/notify"
	"brokercore/internal/orders"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const internalToken = "internal-secret"

type heldAlways struct{}

func (heldAlways) Held() bool { return true }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	log := zaptest.NewLogger(t)
	outbox := notify.NewMemOutbox()
	ledgerSvc := ledger.NewService(ledger.NewMemStore(), log)
	quotes := marketdata.NewLiveQuotes()
	guard := marketdata.NewGuard(quotes, gate.New(gate.Config{Name: "oracle", Concurrency: 2, Timeout: time.Second}), time.Minute, log)
	orderStore := orders.NewMemStore(outbox)
	positionStore := margin.NewMemStore(outbox)
	engine := execution.NewEngine(orderStore, positionStore, ledgerSvc, broker.NewDisabledExecutor(),
		gate.New(gate.Config{Name: "executor", Concurrency: 1, Timeout: time.Second}), guard, execution.Config{}, log)
	authSvc := auth.NewService("brokercore", []byte("secret"), time.Hour)
	marginSvc := margin.NewService(positionStore, ledgerSvc, guard, decimal.Zero, log)
	return NewRouter(RouterDeps{
		AuthHandler:     auth.NewHandler(authSvc),
		LedgerHandler:   ledger.NewHandler(ledgerSvc),
		OrderHandler:    orders.NewHandler(orders.NewService(orderStore, ledgerSvc, guard, log)),
		PositionHandler: margin.NewHandler(marginSvc, engine),
		MarketHandler:   marketdata.NewHandler(quotes),
		HealthHandler:   health.NewHandler(nil, heldAlways{}, time.Now()),
		AuthService:     authSvc,
		RateLimiter:     NewRateLimiter(1000, 1000),
		InternalToken:   internalToken,
	})
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) (int, map[string]any, []any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Internal-Token", internalToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var obj map[string]any
	var arr []any
	raw := rec.Body.Bytes()
	if len(raw) > 0 && raw[0] == '[' {
		require.NoError(t, json.Unmarshal(raw, &arr))
	} else if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &obj))
	}
	return rec.Code, obj, arr
}

func TestOrderFlowOverHTTP(t *testing.T) {
	h := newTestServer(t)

	code, tok, _ := do(t, h, http.MethodPost, "/internal/tokens", "", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusCreated, code)
	token := tok["access_token"].(string)

	code, _, _ = do(t, h, http.MethodPost, "/internal/deposits", "", map[string]string{"user_id": "u1", "currency": "usd", "amount": "1000", "reference": "wire-1"})
	require.Equal(t, http.StatusOK, code)
	code, _, _ = do(t, h, http.MethodPost, "/internal/prices", "", map[string]string{"pair": "BTC-USD", "price": "100"})
	require.Equal(t, http.StatusAccepted, code)

	code, body, _ := do(t, h, http.MethodPost, "/v1/orders", token, map[string]string{
		"pair": "BTC-USD", "kind": "limit", "side": "buy", "amount": "400", "trigger_price": "95",
	})
	require.Equal(t, http.StatusCreated, code, body)
	orderID := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	code, _, balances := do(t, h, http.MethodGet, "/v1/balances", token, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, balances, 1)
	assert.Equal(t, "400", balances[0].(map[string]any)["reserved"])

	code, _, list := do(t, h, http.MethodGet, "/v1/orders?status=pending", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list, 1)

	code, body, _ = do(t, h, http.MethodGet, "/v1/orders/"+orderID, token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, orderID, body["id"])

	_, other, _ := do(t, h, http.MethodPost, "/internal/tokens", "", map[string]string{"user_id": "u2"})
	code, _, _ = do(t, h, http.MethodGet, "/v1/orders/"+orderID, other["access_token"].(string), nil)
	assert.Equal(t, http.StatusNotFound, code, "other users cannot see the order")
	code, _, _ = do(t, h, http.MethodGet, "/v1/orders/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _, stats := do(t, h, http.MethodGet, "/v1/orders/stats", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, stats, 1)

	code, body, _ = do(t, h, http.MethodDelete, "/v1/orders/"+orderID, token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])
	code, _, _ = do(t, h, http.MethodDelete, "/v1/orders/"+orderID, token, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _, entries := do(t, h, http.MethodGet, "/v1/ledger/entries?limit=10", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, entries, 3)

	code, body, _ = do(t, h, http.MethodGet, "/internal/ledger/verify?user_id=u1&currency=USD", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestOrderValidationOverHTTP(t *testing.T) {
	h := newTestServer(t)
	_, tok, _ := do(t, h, http.MethodPost, "/internal/tokens", "", map[string]string{"user_id": "u1"})
	token := tok["access_token"].(string)

	code, body, _ := do(t, h, http.MethodPost, "/v1/orders", token, map[string]string{"pair": "BTC-USD", "kind": "limit", "side": "hold", "amount": "1", "trigger_price": "1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "side")

	code, _, _ = do(t, h, http.MethodPost, "/v1/orders", token, map[string]string{"pair": "BTC-USD", "kind": "limit", "side": "buy", "amount": "1", "trigger_price": "1"})
	assert.Equal(t, http.StatusNotFound, code, "no USD account yet")

	code, _, _ = do(t, h, http.MethodPost, "/v1/orders", token, map[string]string{"pair": "BTC-USD", "kind": "trailing-stop", "side": "sell", "amount": "1", "trail_percent": "5"})
	assert.Equal(t, http.StatusServiceUnavailable, code, "no price for trailing initialisation")
}

func TestPositionsOverHTTP(t *testing.T) {
	h := newTestServer(t)
	_, tok, _ := do(t, h, http.MethodPost, "/internal/tokens", "", map[string]string{"user_id": "u1"})
	token := tok["access_token"].(string)
	do(t, h, http.MethodPost, "/internal/deposits", "", map[string]string{"user_id": "u1", "currency": "USD", "amount": "500"})
	do(t, h, http.MethodPost, "/internal/prices", "", map[string]string{"pair": "BTC-USD", "price": "100"})

	code, body, _ := do(t, h, http.MethodPost, "/v1/positions", token, map[string]any{"pair": "BTC-USD", "side": "long", "amount": "2", "leverage": 11})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body, _ = do(t, h, http.MethodPost, "/v1/positions", token, map[string]any{"pair": "BTC-USD", "side": "long", "amount": "2", "leverage": 2})
	require.Equal(t, http.StatusCreated, code, body)
	id := body["id"].(string)
	assert.Equal(t, "55", body["liquidation_price"])

	do(t, h, http.MethodPost, "/internal/prices", "", map[string]string{"pair": "BTC-USD", "price": "110"})
	code, body, _ = do(t, h, http.MethodPost, "/v1/positions/"+id+"/close", token, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "closed", body["status"])
	assert.Equal(t, "20", body["pnl"])

	code, _, _ = do(t, h, http.MethodPost, "/v1/positions/"+id+"/close", token, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _, list := do(t, h, http.MethodGet, "/v1/positions", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list, 1)
}

func TestAuthBoundaries(t *testing.T) {
	h := newTestServer(t)

	code, _, _ := do(t, h, http.MethodGet, "/v1/balances", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _, _ = do(t, h, http.MethodGet, "/v1/balances", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/internal/deposits", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Internal-Token", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scanner_lease_held":true`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "brokercore_http_requests_total")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code, "buckets are per client")
}
