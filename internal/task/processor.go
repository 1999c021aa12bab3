package task

import (
	"context"

	"event-ingestion-service/internal/downstream"
	"event-ingestion-service/internal/model"
	"event-ingestion-service/internal/processor"
)

type Processor interface {
	Process(e model.Event) (processor.Result, error)
}

type Applier interface {
	Apply(ctx context.Context, tenantID string, ops []processor.Operation) downstream.ApplyResult
}
