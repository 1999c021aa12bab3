package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"event-ingestion-service/internal/downstream"
	"event-ingestion-service/internal/lease"
	"event-ingestion-service/internal/model"
	"event-ingestion-service/internal/processor"
	"event-ingestion-service/internal/store/memory"
	"event-ingestion-service/internal/task"
)

type stubWorker struct {
	last time.Time
}

func (s stubWorker) RunCycle(context.Context) (task.CycleStats, error) { return task.CycleStats{}, nil }
func (s stubWorker) LastSuccess() time.Time                           { return s.last }

type stubBreaker downstream.State

func (b stubBreaker) BreakerState() downstream.State { return downstream.State(b) }

type downStore struct{ *memory.EventStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func seedEvent(t *testing.T, store *memory.EventStore, tenant, ext string) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), model.NewEvent{
		TenantID: tenant, ExternalID: ext, Type: "issue_created", Payload: json.RawMessage(`{"id":"` + ext + `","title":"seeded"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func deadLetter(t *testing.T, store *memory.EventStore, tenant string) {
	t.Helper()
	ctx := context.Background()
	leased, err := store.LeaseBatch(ctx, model.LeaseRequest{WorkerID: "w", BatchSize: 1, LeaseDuration: time.Minute, TenantID: tenant})
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v %d", err, len(leased))
	}
	if err := store.MarkDeadLetter(ctx, leased[0].Lease(), "status 400"); err != nil {
		t.Fatal(err)
	}
}

func TestServer_ListEvents(t *testing.T) {
	store := memory.NewEventStore()
	for _, ext := range []string{"A", "B", "C"} {
		seedEvent(t, store, "t1", ext)
	}
	seedEvent(t, store, "t2", "Z")
	srv := NewServer(Deps{Service: task.NewService(store)})

	w := do(t, srv, http.MethodGet, "/events?tenantId=t1&limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[listResponse](t, w)
	if len(resp.Events) != 2 || resp.Limit != 2 || resp.Offset != 0 {
		t.Fatalf("unexpected page %+v", resp)
	}
	for _, e := range resp.Events {
		if e.TenantID != "t1" {
			t.Fatalf("leaked event from %s", e.TenantID)
		}
	}

	w = do(t, srv, http.MethodGet, "/events?tenantId=t1&status=dead_letter")
	if got := decode[listResponse](t, w); len(got.Events) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(got.Events))
	}
}

func TestServer_ListEventsValidation(t *testing.T) {
	srv := NewServer(Deps{Service: task.NewService(memory.NewEventStore())})

	for _, target := range []string{
		"/events",
		"/events?tenantId=t1&status=bogus",
		"/events?tenantId=t1&limit=-1",
		"/events?tenantId=t1&from=yesterday",
		"/events?tenantId=t1&from=2026-02-02&to=2026-02-01",
	} {
		if w := do(t, srv, http.MethodGet, target); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s", target, w.Code, w.Body.String())
		}
	}
}

func TestServer_GetEventIsTenantScoped(t *testing.T) {
	store := memory.NewEventStore()
	id := seedEvent(t, store, "t1", "A")
	srv := NewServer(Deps{Service: task.NewService(store)})

	w := do(t, srv, http.MethodGet, "/events/"+id+"?tenantId=t1")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ev := decode[model.Event](t, w); ev.ID != id || ev.RetryCount != 0 {
		t.Fatalf("unexpected event %+v", ev)
	}

	req := httptest.NewRequest(http.MethodGet, "/events/"+id, nil)
	req.Header.Set(TenantHeader, "t2")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("other tenant: status=%d", w.Code)
	}

	if w := do(t, srv, http.MethodGet, "/events/"+id); w.Code != http.StatusBadRequest {
		t.Fatalf("no tenant: status=%d", w.Code)
	}
}

func TestServer_RetryEvent(t *testing.T) {
	store := memory.NewEventStore()
	id := seedEvent(t, store, "t1", "A")
	srv := NewServer(Deps{Service: task.NewService(store)})

	if w := do(t, srv, http.MethodPost, "/events/"+id+"/retry?tenantId=t1"); w.Code != http.StatusConflict {
		t.Fatalf("pending event: status=%d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/events/missing/retry?tenantId=t1"); w.Code != http.StatusNotFound {
		t.Fatalf("missing event: status=%d", w.Code)
	}

	deadLetter(t, store, "t1")

	w := do(t, srv, http.MethodPost, "/events/"+id+"/retry?tenantId=t1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	ev := decode[model.Event](t, w)
	if ev.Status != model.StatusPending || ev.RetryCount != 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestServer_Health(t *testing.T) {
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memory.NewEventStore()

	srv := NewServer(Deps{
		Service:    task.NewService(store),
		Worker:     stubWorker{last: now.Add(-10 * time.Second)},
		Breaker:    stubBreaker(downstream.StateOpen),
		StaleAfter: time.Minute,
		Now:        clock,
	})
	w := do(t, srv, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[healthResponse](t, w)
	if resp.Circuit != "OPEN" || resp.Worker == nil || resp.Worker.Stale || resp.Worker.LastSuccess == nil {
		t.Fatalf("unexpected health %+v", resp)
	}

	stale := NewServer(Deps{
		Service:    task.NewService(store),
		Worker:     stubWorker{last: now.Add(-2 * time.Minute)},
		StaleAfter: time.Minute,
		Now:        clock,
	})
	if w := do(t, stale, http.MethodGet, "/health"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("stale worker: status=%d", w.Code)
	}

	down := NewServer(Deps{Service: task.NewService(downStore{store}), Now: clock})
	w = do(t, down, http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("store down: status=%d", w.Code)
	}
	if resp := decode[healthResponse](t, w); resp.Store != "unreachable" || resp.Worker != nil {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestServer_RequestIDAndRecover(t *testing.T) {
	srv := NewServer(Deps{Service: task.NewService(memory.NewEventStore())})
	srv.mux.HandleFunc("GET /panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "rid-1")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "rid-1" {
		t.Fatalf("request id=%q", got)
	}

	w = do(t, srv, http.MethodGet, "/panic")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected generated request id")
	}
}

// Three 503s dead-letter the event; the retry endpoint gives it a fresh
// budget and the next cycle completes it.
func TestServer_DeadLetterThenRetryScenario(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var calls atomic.Int32
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer graph.Close()

	store := memory.NewEventStore()
	svc := task.NewService(store)
	worker := task.NewWorker(task.WorkerDeps{
		Leases:    lease.NewManager(store, lease.Config{WorkerID: "w1"}, nil),
		Store:     store,
		Processor: processor.New(),
		Applier:   downstream.NewApplier(downstream.Config{BaseURL: graph.URL}),
		Policy:    task.NewRetryPolicy(3, task.BackoffConfig{BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}, nil),
	}, task.WorkerConfig{})
	srv := NewServer(Deps{Service: svc, Worker: worker})

	id := seedEvent(t, store, "t1", "ISSUE-1")
	for i := 0; i < 3; i++ {
		if w := do(t, srv, http.MethodPost, "/process/once"); w.Code != http.StatusOK {
			t.Fatalf("cycle %d: status=%d body=%s", i, w.Code, w.Body.String())
		}
		time.Sleep(time.Millisecond)
	}

	ev := decode[model.Event](t, do(t, srv, http.MethodGet, "/events/"+id+"?tenantId=t1"))
	if ev.Status != model.StatusDeadLetter || ev.RetryCount != 3 {
		t.Fatalf("expected DEAD_LETTER with retryCount=3, got %s/%d", ev.Status, ev.RetryCount)
	}
	if ev.LastError == nil || !strings.Contains(*ev.LastError, "503") {
		t.Fatalf("lastError=%v", ev.LastError)
	}
	if calls.Load() != 3 {
		t.Fatalf("downstream calls=%d", calls.Load())
	}

	w := do(t, srv, http.MethodPost, "/events/"+id+"/retry?tenantId=t1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("retry: status=%d body=%s", w.Code, w.Body.String())
	}
	if ev := decode[model.Event](t, w); ev.Status != model.StatusPending || ev.RetryCount != 0 {
		t.Fatalf("after retry: %s/%d", ev.Status, ev.RetryCount)
	}

	failing.Store(false)
	if w := do(t, srv, http.MethodPost, "/process/once"); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	ev = decode[model.Event](t, do(t, srv, http.MethodGet, "/events/"+id+"?tenantId=t1"))
	if ev.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", ev.Status)
	}
}
