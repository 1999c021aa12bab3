// Package lease hands out batches of events to one worker identity and
// keeps their leases alive while an attempt is running.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"event-ingestion-service/internal/model"
)

const DefaultDuration = 30 * time.Second

// Store is the subset of the event store the manager writes through.
type Store interface {
	LeaseBatch(ctx context.Context, req model.LeaseRequest) ([]model.Event, error)
	MarkProcessing(ctx context.Context, l model.Lease) error
	RenewLease(ctx context.Context, l model.Lease, d time.Duration) (model.Lease, error)
	ReleaseLease(ctx context.Context, l model.Lease) error
}

type Config struct {
	// WorkerID defaults to a random UUID.
	WorkerID string
	Duration time.Duration
	// RenewEvery defaults to Duration/3.
	RenewEvery time.Duration
	// TenantID scopes the worker to one tenant when set.
	TenantID string
	// Now must agree with the store's clock. Defaults to time.Now.
	Now func() time.Time
}

type Manager struct {
	store Store
	cfg   Config
	log   *slog.Logger
}

func NewManager(store Store, cfg Config, log *slog.Logger) *Manager {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = cfg.Duration / 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   log.With("worker_id", cfg.WorkerID),
	}
}

func (m *Manager) WorkerID() string        { return m.cfg.WorkerID }
func (m *Manager) Duration() time.Duration { return m.cfg.Duration }

// Acquire leases up to n due events for this worker.
func (m *Manager) Acquire(ctx context.Context, n int) ([]model.Event, error) {
	return m.store.LeaseBatch(ctx, model.LeaseRequest{
		WorkerID:      m.cfg.WorkerID,
		BatchSize:     n,
		LeaseDuration: m.cfg.Duration,
		TenantID:      m.cfg.TenantID,
	})
}

// Hold moves a leased event to PROCESSING and renews its lease until Stop.
// The returned Held's context is cancelled with cause model.ErrLeaseLost
// as soon as a renewal finds the lease gone, or when the lease runs out
// because renewals kept failing.
func (m *Manager) Hold(ctx context.Context, e model.Event) (*Held, error) {
	l := e.Lease()
	if err := m.store.MarkProcessing(ctx, l); err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancelCause(ctx)
	h := &Held{
		ctx:    hctx,
		cancel: cancel,
		lease:  l,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.renew(h)
	return h, nil
}

func (m *Manager) renew(h *Held) {
	defer close(h.done)

	t := time.NewTicker(m.cfg.RenewEvery)
	defer t.Stop()
	expiry := time.NewTimer(m.untilExpiry(h.Lease()))
	defer expiry.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.stop:
			return
		case <-expiry.C:
			if left := m.untilExpiry(h.Lease()); left > 0 {
				expiry.Reset(left)
				continue
			}
			m.expired(h)
			return
		case <-t.C:
		}

		next, err := m.store.RenewLease(h.ctx, h.Lease(), m.cfg.Duration)
		switch {
		case err == nil:
			h.mu.Lock()
			h.lease = next
			h.mu.Unlock()
			expiry.Reset(m.untilExpiry(next))
		case errors.Is(err, model.ErrLeaseLost):
			m.log.Debug("lease lost", "event_id", h.lease.EventID, "lease_version", h.lease.Version)
			h.cancel(model.ErrLeaseLost)
			return
		case h.ctx.Err() != nil:
			return
		default:
			m.log.Warn("lease renewal failed", "event_id", h.lease.EventID, "err", err)
			if m.untilExpiry(h.Lease()) <= 0 {
				m.expired(h)
				return
			}
		}
	}
}

// untilExpiry is how long l stays live by the manager's clock. A lease
// without an expiry never runs out here.
func (m *Manager) untilExpiry(l model.Lease) time.Duration {
	if l.ExpiresAt.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return l.ExpiresAt.Sub(m.cfg.Now())
}

// expired ends an attempt whose lease ran out unrenewed. From here on a
// sweep may hand the event to another worker.
func (m *Manager) expired(h *Held) {
	m.log.Warn("lease expired before it could be renewed", "event_id", h.lease.EventID, "lease_version", h.lease.Version)
	h.cancel(model.ErrLeaseLost)
}

// Release hands unfinished events back without counting an attempt.
// Leases that already moved on are ignored.
func (m *Manager) Release(ctx context.Context, leases ...model.Lease) error {
	var errs []error
	for _, l := range leases {
		err := m.store.ReleaseLease(ctx, l)
		if err != nil && !errors.Is(err, model.ErrLeaseLost) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Held is one event under an active, self-renewing lease.
type Held struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	lease model.Lease

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Context is cancelled when the lease is lost or the parent is done.
func (h *Held) Context() context.Context { return h.ctx }

// Lease returns the latest renewed lease.
func (h *Held) Lease() model.Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

// Stop ends renewal and returns model.ErrLeaseLost if the lease was lost
// while held. The caller must not write with the lease in that case.
func (h *Held) Stop() error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done

	lost := errors.Is(context.Cause(h.ctx), model.ErrLeaseLost)
	h.cancel(nil)
	if lost {
		return model.ErrLeaseLost
	}
	return nil
}
