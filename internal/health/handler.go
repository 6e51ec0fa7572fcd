package health

import (
	"context"
	"net/http"
	"time"

	"brokercore/internal/httputil"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaseHolder reports whether this instance currently runs the scanners.
type LeaseHolder interface {
	Held() bool
}

type Handler struct {
	pool      *pgxpool.Pool
	lease     LeaseHolder
	startedAt time.Time
	storage   string
}

// NewHandler builds the health endpoints. pool may be nil when the process
// runs on in-memory stores.
func NewHandler(pool *pgxpool.Pool, lease LeaseHolder, startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	storage := "postgres"
	if pool == nil {
		storage = "memory"
	}
	return &Handler{pool: pool, lease: lease, startedAt: start, storage: storage}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type readinessResponse struct {
	Status      string        `json:"status"`
	Timestamp   string        `json:"timestamp"`
	UptimeSec   int64         `json:"uptime_sec"`
	Uptime      string        `json:"uptime"`
	ScannerHeld bool          `json:"scanner_lease_held"`
	Database    databaseStats `json:"database"`
}

type databaseStats struct {
	Storage    string    `json:"storage"`
	Reachable  bool      `json:"reachable"`
	PingMs     int64     `json:"ping_ms"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  string    `json:"checked_at"`
	Pool       poolStats `json:"pool"`
	TimeoutSec int       `json:"timeout_sec"`
}

type poolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) collectDB(ctx context.Context) databaseStats {
	stats := databaseStats{Storage: h.storage, TimeoutSec: 1, CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	if h.pool == nil {
		stats.Reachable = true
		return stats
	}
	stat := h.pool.Stat()
	stats.Pool = poolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
	pingStart := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(stats.TimeoutSec)*time.Second)
	err := h.pool.Ping(pingCtx)
	cancel()
	stats.PingMs = time.Since(pingStart).Milliseconds()
	stats.CheckedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.Reachable = true
	return stats
}

// Live does not touch the database.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	})
}

// Ready returns 503 when the database is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	db := h.collectDB(r.Context())
	status := "ok"
	httpStatus := http.StatusOK
	if !db.Reachable {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, httpStatus, readinessResponse{
		Status:      status,
		Timestamp:   now.Format(time.RFC3339),
		UptimeSec:   int64(uptime.Seconds()),
		Uptime:      uptime.String(),
		ScannerHeld: h.lease != nil && h.lease.Held(),
		Database:    db,
	})
}
