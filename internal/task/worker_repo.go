package task

import (
	"context"
	"time"

	"event-ingestion-service/internal/lease"
	"event-ingestion-service/internal/model"
)

// WorkerRepository is what the worker writes outcomes through. Every
// transition is fenced by the lease and fails with model.ErrLeaseLost
// once the lease has moved on.
type WorkerRepository interface {
	MarkCompleted(ctx context.Context, l model.Lease, diagnostic string) error
	MarkFailed(ctx context.Context, l model.Lease, lastErr string, nextAttemptAt time.Time) error
	MarkDeadLetter(ctx context.Context, l model.Lease, lastErr string) error
	ReclaimExpiredLeases(ctx context.Context) (int, error)
}

// EventStore is the full store contract implemented by the postgres,
// sqlite and memory packages.
type EventStore interface {
	EventRepository
	WorkerRepository
	lease.Store
}
