package httpapi

import (
	"context"
	"net/http"
	"time"

	"event-ingestion-service/internal/downstream"
)

// WorkerProbe reports the worker loop's last successful cycle.
type WorkerProbe interface {
	LastSuccess() time.Time
}

// BreakerProbe reports the downstream circuit state.
type BreakerProbe interface {
	BreakerState() downstream.State
}

type HealthConfig struct {
	Store   Pinger
	Worker  WorkerProbe  // nil when this process runs no worker
	Breaker BreakerProbe // nil in dry-run mode
	// StaleAfter is how long the worker may go without a successful
	// cycle (including since startup) before it counts as down.
	StaleAfter time.Duration
	Now        func() time.Time
}

type workerHealth struct {
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	Stale       bool       `json:"stale"`
}

type healthResponse struct {
	Status  string        `json:"status"`
	Store   string        `json:"store"`
	Worker  *workerHealth `json:"worker,omitempty"`
	Circuit string        `json:"circuit,omitempty"`
}

// HealthHandler answers 503 when the store is unreachable or the worker
// loop has stalled. An open circuit is reported but is not a failure of
// this process.
func HealthHandler(cfg HealthConfig) http.HandlerFunc {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	started := cfg.Now()

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Store: "ok"}

		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
		if err := cfg.Store.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = "unreachable"
		}

		if cfg.Worker != nil {
			wh := &workerHealth{}
			since := started
			if last := cfg.Worker.LastSuccess(); !last.IsZero() {
				wh.LastSuccess = &last
				since = last
			}
			if cfg.Now().Sub(since) > cfg.StaleAfter {
				wh.Stale = true
				resp.Status = "degraded"
			}
			resp.Worker = wh
		}

		if cfg.Breaker != nil {
			resp.Circuit = string(cfg.Breaker.BreakerState())
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
