// Package memory is an in-process EventStore. One mutex serialises every
// operation, which is what makes LeaseBatch atomic here; it is meant for
// tests and single-process development, not for multiple instances.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"event-ingestion-service/internal/model"
)

type EventStore struct {
	mu     sync.RWMutex
	events map[string]model.Event
	now    func() time.Time
}

func NewEventStore() *EventStore {
	return &EventStore{
		events: make(map[string]model.Event),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for tests.
func (s *EventStore) WithClock(now func() time.Time) *EventStore {
	s.now = now
	return s
}

func (s *EventStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *EventStore) Enqueue(ctx context.Context, in model.NewEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.TenantID == in.TenantID && e.ExternalID == in.ExternalID && e.Type == in.Type && !e.Status.Terminal() {
			return "", &model.DuplicateEventError{
				TenantID:   in.TenantID,
				ExternalID: in.ExternalID,
				Type:       in.Type,
				ExistingID: e.ID,
			}
		}
	}

	now := s.now()
	e := model.Event{
		ID:            uuid.NewString(),
		TenantID:      in.TenantID,
		ExternalID:    in.ExternalID,
		Type:          in.Type,
		Payload:       append([]byte(nil), in.Payload...),
		Status:        model.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.events[e.ID] = e
	return e.ID, nil
}

func (s *EventStore) Get(ctx context.Context, tenantID, id string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok || e.TenantID != tenantID {
		return model.Event{}, model.ErrNotFound
	}
	return e, nil
}

func (s *EventStore) List(ctx context.Context, f model.ListFilter) ([]model.Event, error) {
	f = f.Normalize()

	s.mu.RLock()
	out := make([]model.Event, 0)
	for _, e := range s.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if f.Offset >= len(out) {
		return []model.Event{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *EventStore) LeaseBatch(ctx context.Context, req model.LeaseRequest) ([]model.Event, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	due := make([]model.Event, 0)
	for _, e := range s.events {
		if req.TenantID != "" && e.TenantID != req.TenantID {
			continue
		}
		if eligible(e, now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > req.BatchSize {
		due = due[:req.BatchSize]
	}

	expires := now.Add(req.LeaseDuration)
	for i := range due {
		e := due[i]
		e.Status = model.StatusLeased
		e.LeaseOwner = req.WorkerID
		e.LeaseExpiresAt = &expires
		e.LeaseVersion++
		e.UpdatedAt = now
		s.events[e.ID] = e
		due[i] = e
	}
	return due, nil
}

func eligible(e model.Event, now time.Time) bool {
	switch e.Status {
	case model.StatusPending:
		return true
	case model.StatusRetrying:
		return !e.NextAttemptAt.After(now)
	default:
		return false
	}
}

// holds reports whether l is still the live lease on e.
func holds(e model.Event, l model.Lease, now time.Time) bool {
	return e.TenantID == l.TenantID &&
		e.Status.Leased() &&
		e.LeaseOwner == l.Owner &&
		e.LeaseVersion == l.Version &&
		e.LeaseExpiresAt != nil &&
		!e.LeaseExpiresAt.Before(now)
}

// fenced runs fn on the event only if l is still the live lease.
func (s *EventStore) fenced(l model.Lease, fn func(e *model.Event, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.events[l.EventID]
	if !ok || !holds(e, l, now) {
		return model.ErrLeaseLost
	}
	fn(&e, now)
	e.UpdatedAt = now
	s.events[e.ID] = e
	return nil
}

func (s *EventStore) MarkProcessing(ctx context.Context, l model.Lease) error {
	return s.fenced(l, func(e *model.Event, _ time.Time) {
		e.Status = model.StatusProcessing
	})
}

func (s *EventStore) RenewLease(ctx context.Context, l model.Lease, d time.Duration) (model.Lease, error) {
	var renewed model.Lease
	err := s.fenced(l, func(e *model.Event, now time.Time) {
		exp := now.Add(d)
		e.LeaseExpiresAt = &exp
		renewed = e.Lease()
	})
	return renewed, err
}

func (s *EventStore) MarkCompleted(ctx context.Context, l model.Lease, diagnostic string) error {
	return s.fenced(l, func(e *model.Event, now time.Time) {
		e.Status = model.StatusCompleted
		clearLease(e)
		e.CompletedAt = &now
		if diagnostic != "" {
			e.Diagnostic = &diagnostic
		}
	})
}

func (s *EventStore) MarkFailed(ctx context.Context, l model.Lease, lastErr string, nextAttemptAt time.Time) error {
	return s.fenced(l, func(e *model.Event, _ time.Time) {
		e.Status = model.StatusRetrying
		e.RetryCount++
		e.NextAttemptAt = nextAttemptAt.UTC()
		e.LastError = &lastErr
		clearLease(e)
	})
}

func (s *EventStore) MarkDeadLetter(ctx context.Context, l model.Lease, lastErr string) error {
	return s.fenced(l, func(e *model.Event, _ time.Time) {
		e.Status = model.StatusDeadLetter
		e.RetryCount++
		e.LastError = &lastErr
		clearLease(e)
	})
}

func (s *EventStore) ReleaseLease(ctx context.Context, l model.Lease) error {
	return s.fenced(l, func(e *model.Event, _ time.Time) {
		e.Status = preLeaseStatus(*e)
		clearLease(e)
	})
}

func (s *EventStore) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, e := range s.events {
		// A lease is live through its expiry instant; reclaim strictly after.
		if !e.Status.Leased() || e.LeaseExpiresAt == nil || !now.After(*e.LeaseExpiresAt) {
			continue
		}
		e.Status = preLeaseStatus(e)
		clearLease(&e)
		e.UpdatedAt = now
		s.events[id] = e
		n++
	}
	return n, nil
}

func (s *EventStore) Replay(ctx context.Context, tenantID, id string) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.TenantID != tenantID {
		return model.Event{}, model.ErrNotFound
	}
	if e.Status != model.StatusDeadLetter {
		return model.Event{}, model.ErrNotDeadLettered
	}
	for _, other := range s.events {
		if other.ID != e.ID && other.TenantID == e.TenantID && other.ExternalID == e.ExternalID &&
			other.Type == e.Type && !other.Status.Terminal() {
			return model.Event{}, &model.DuplicateEventError{
				TenantID:   e.TenantID,
				ExternalID: e.ExternalID,
				Type:       e.Type,
				ExistingID: other.ID,
			}
		}
	}

	now := s.now()
	e.Status = model.StatusPending
	e.RetryCount = 0
	e.NextAttemptAt = now
	e.UpdatedAt = now
	clearLease(&e)
	s.events[id] = e
	return e, nil
}

// preLeaseStatus is where an unfinished event goes back to: events that
// never failed are PENDING, the rest are RETRYING and keep their schedule.
func preLeaseStatus(e model.Event) model.EventStatus {
	if e.RetryCount == 0 {
		return model.StatusPending
	}
	return model.StatusRetrying
}

func clearLease(e *model.Event) {
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
}
