package task

import (
	"context"
	"log/slog"

	"event-ingestion-service/internal/downstream"
	"event-ingestion-service/internal/processor"
)

// NoopApplier logs operations instead of sending them. It backs dry-run
// mode, where events flow through the pipeline without a graph service.
type NoopApplier struct {
	Log *slog.Logger
}

func (a NoopApplier) Apply(ctx context.Context, tenantID string, ops []processor.Operation) downstream.ApplyResult {
	if a.Log != nil {
		for _, op := range ops {
			a.Log.DebugContext(ctx, "dry-run operation",
				"tenant_id", tenantID,
				"operation", op.OperationType(),
				"target", op.ID,
				"idempotency_key", op.IdempotencyKey,
			)
		}
	}
	return downstream.ApplyResult{Applied: len(ops)}
}
