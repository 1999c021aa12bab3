package httpapi

import (
	"context"
	"net/http"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// BusProbe reports the NATS connection. bus.Bus implements it.
type BusProbe interface {
	Connected() bool
}

type ReadyConfig struct {
	Store       Pinger
	StoreDriver string
	// Bus is nil when bus intake is not configured.
	Bus BusProbe
}

type readyResponse struct {
	Ready  bool              `json:"ready"`
	Store  string            `json:"store,omitempty"`
	Checks map[string]string `json:"checks"`
}

// ReadyzHandler reports whether this process can take intake traffic:
// the store answers, and the bus is connected when one is configured.
func ReadyzHandler(cfg ReadyConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		resp := readyResponse{Ready: true, Store: cfg.StoreDriver, Checks: map[string]string{}}
		if err := cfg.Store.Ping(ctx); err != nil {
			resp.Ready = false
			resp.Checks["store"] = "unreachable"
		} else {
			resp.Checks["store"] = "ok"
		}
		if cfg.Bus != nil {
			if cfg.Bus.Connected() {
				resp.Checks["bus"] = "ok"
			} else {
				resp.Ready = false
				resp.Checks["bus"] = "disconnected"
			}
		}

		code := http.StatusOK
		if !resp.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
