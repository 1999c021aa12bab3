package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"event-ingestion-service/internal/task"
)

type CycleRunner interface {
	RunCycle(ctx context.Context) (task.CycleStats, error)
}

// ProcessOnceHandler runs one worker cycle and reports what it did.
func ProcessOnceHandler(runner CycleRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runner == nil {
			writeError(w, http.StatusServiceUnavailable, "no worker in this process")
			return
		}
		stats, err := runner.RunCycle(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("X-Processed", strconv.Itoa(stats.Leased))
		writeJSON(w, http.StatusOK, stats)
	}
}
