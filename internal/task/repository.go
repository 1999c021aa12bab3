package task

import (
	"context"

	"event-ingestion-service/internal/model"
)

// EventRepository is the intake and admin side of the event store.
type EventRepository interface {
	Enqueue(ctx context.Context, in model.NewEvent) (string, error)
	Get(ctx context.Context, tenantID, id string) (model.Event, error)
	List(ctx context.Context, f model.ListFilter) ([]model.Event, error)
	Replay(ctx context.Context, tenantID, id string) (model.Event, error)
	Ping(ctx context.Context) error
}
