// Package httpapi is the service's HTTP surface: signed webhook intake,
// the admin/retry endpoints, health and metrics.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"event-ingestion-service/internal/task"
)

type Deps struct {
	Service       *task.Service
	StoreDriver   string
	Bus           BusProbe // nil without bus intake
	WebhookSecret string
	Worker        interface {
		CycleRunner
		WorkerProbe
	} // nil when the worker runs elsewhere
	Breaker    BreakerProbe
	Metrics    http.Handler
	Ingest     IngestRecorder
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

type Server struct {
	mux     *http.ServeMux
	handler http.Handler
}

func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Server{mux: http.NewServeMux()}

	hc := HealthConfig{Store: d.Service, Breaker: d.Breaker, StaleAfter: d.StaleAfter, Now: d.Now}
	var runner CycleRunner
	if d.Worker != nil {
		hc.Worker = d.Worker
		runner = d.Worker
	}

	s.mux.HandleFunc("GET /healthz", healthzHandler)
	s.mux.HandleFunc("GET /health", HealthHandler(hc))
	s.mux.HandleFunc("GET /readyz", ReadyzHandler(ReadyConfig{Store: d.Service, StoreDriver: d.StoreDriver, Bus: d.Bus}))
	if d.Metrics != nil {
		s.mux.Handle("GET /metrics", d.Metrics)
	}

	s.mux.HandleFunc("POST /webhooks/{tenantId}", WebhookHandler(d.WebhookSecret, d.Now, d.Service, d.Ingest))

	s.mux.HandleFunc("GET /events", ListEventsHandler(d.Service))
	s.mux.HandleFunc("GET /events/{id}", GetEventHandler(d.Service))
	s.mux.HandleFunc("POST /events/{id}/retry", RetryEventHandler(d.Service))
	s.mux.HandleFunc("POST /process/once", ProcessOnceHandler(runner))

	s.handler = WithRequestID(Logging(log)(Recover(log)(s.mux)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// healthzHandler is plain process liveness.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
