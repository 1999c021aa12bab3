package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-ingestion-service/internal/bus"
	"event-ingestion-service/internal/downstream"
	"event-ingestion-service/internal/task"
)

var (
	_ task.Metrics        = (*Metrics)(nil)
	_ downstream.Observer = (*Metrics)(nil)
	_ bus.Recorder        = (*Metrics)(nil)
)

func TestMetrics_WorkerCounters(t *testing.T) {
	m := NewMetrics()

	m.EventOutcome("completed")
	m.EventOutcome("completed")
	m.EventOutcome("dead_lettered")
	m.CycleCompleted(3, 20*time.Millisecond)
	m.LeasesReclaimed(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventOutcomes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventOutcomes.WithLabelValues("dead_lettered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.leased))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reclaimed))
}

func TestMetrics_BreakerStateGauge(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("CLOSED")))

	m.BreakerStateChanged(downstream.StateClosed, downstream.StateOpen)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("CLOSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("OPEN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("HALF_OPEN")))
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	m := NewMetrics()
	m.ObserveDownstream("upsert_entity", "ok", 15*time.Millisecond)
	m.Ingested("webhook", "created")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `ingest_downstream_requests_total{operation="upsert_entity",outcome="ok"} 1`)
	assert.Contains(t, string(body), `ingest_events_ingested_total{result="created",source="webhook"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_InstancesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.EventOutcome("completed")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.eventOutcomes.WithLabelValues("completed")))
}
