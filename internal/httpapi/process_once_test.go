package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"event-ingestion-service/internal/task"
)

type fakeRunner struct {
	stats task.CycleStats
	err   error
	calls int
}

func (f *fakeRunner) RunCycle(ctx context.Context) (task.CycleStats, error) {
	f.calls++
	return f.stats, f.err
}

func TestProcessOnce_NoWork(t *testing.T) {
	runner := &fakeRunner{}

	h := ProcessOnceHandler(runner)
	req := httptest.NewRequest(http.MethodPost, "/process/once", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Processed"); got != "0" {
		t.Fatalf("X-Processed=%q", got)
	}
}

func TestProcessOnce_ReportsStats(t *testing.T) {
	runner := &fakeRunner{stats: task.CycleStats{Leased: 3, Completed: 2, Retried: 1}}

	h := ProcessOnceHandler(runner)
	req := httptest.NewRequest(http.MethodPost, "/process/once", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Processed"); got != "3" {
		t.Fatalf("X-Processed=%q", got)
	}
	var stats task.CycleStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats != runner.stats {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestProcessOnce_Error(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db down")}

	h := ProcessOnceHandler(runner)
	req := httptest.NewRequest(http.MethodPost, "/process/once", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestProcessOnce_NoWorker(t *testing.T) {
	h := ProcessOnceHandler(nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/process/once", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}
