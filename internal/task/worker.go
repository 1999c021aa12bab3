package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"event-ingestion-service/internal/downstream"
	"event-ingestion-service/internal/lease"
	"event-ingestion-service/internal/model"
)

type WorkerConfig struct {
	PollInterval time.Duration // e.g. 1s
	BatchSize    int           // events leased per cycle
	Concurrency  int           // events processed in parallel per cycle
	ReclaimEvery int           // run the expired-lease sweep every N cycles
	// ShutdownGrace is how long in-flight attempts may finish after the
	// run context is cancelled before they are cut off and released.
	ShutdownGrace time.Duration
	// WriteTimeout bounds the final fenced write of each attempt.
	WriteTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:  time.Second,
		BatchSize:     10,
		Concurrency:   4,
		ReclaimEvery:  10,
		ShutdownGrace: 10 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	def := DefaultWorkerConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = def.ReclaimEvery
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Metrics receives worker events. observability.Metrics implements it.
type Metrics interface {
	EventOutcome(outcome string)
	CycleCompleted(leased int, d time.Duration)
	LeasesReclaimed(n int)
}

type noopMetrics struct{}

func (noopMetrics) EventOutcome(string)               {}
func (noopMetrics) CycleCompleted(int, time.Duration) {}
func (noopMetrics) LeasesReclaimed(int)               {}

type WorkerDeps struct {
	Leases    *lease.Manager
	Store     WorkerRepository
	Processor Processor
	Applier   Applier
	Policy    *RetryPolicy
	Metrics   Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Worker runs the lease -> process -> apply -> decide loop.
type Worker struct {
	deps   WorkerDeps
	cfg    WorkerConfig
	log    *slog.Logger
	tracer trace.Tracer

	wake        chan struct{}
	cycles      atomic.Int64
	lastSuccess atomic.Int64 // unix nanos
}

func NewWorker(deps WorkerDeps, cfg WorkerConfig) *Worker {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Policy == nil {
		deps.Policy = NewRetryPolicy(DefaultRetryLimit, DefaultBackoff(), nil)
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		log:    log.With("worker_id", deps.Leases.WorkerID()),
		tracer: otel.Tracer("event-ingestion-service/internal/task"),
		wake:   make(chan struct{}, 1),
	}
}

// Wake starts the next cycle early. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// LastSuccess is when the last cycle finished without a store error.
// Zero until the first one.
func (w *Worker) LastSuccess() time.Time {
	ns := w.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Run polls until ctx is cancelled. After that it stops leasing, lets
// in-flight attempts run for ShutdownGrace, then cancels them and
// releases their leases.
func (w *Worker) Run(ctx context.Context) error {
	attemptCtx, cancelAttempts := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAttempts()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		t := time.NewTimer(w.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			w.log.Warn("shutdown grace elapsed, cancelling in-flight attempts")
			cancelAttempts()
		case <-stopped:
		}
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.log.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"concurrency", w.cfg.Concurrency,
	)

	for {
		if _, err := w.cycle(ctx, attemptCtx); err != nil && ctx.Err() == nil {
			w.log.Error("worker cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker stopped", "reason", context.Cause(ctx))
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// CycleStats counts what one cycle did.
type CycleStats struct {
	Reclaimed    int `json:"reclaimed"`
	Leased       int `json:"leased"`
	Completed    int `json:"completed"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
	LeaseLost    int `json:"leaseLost"`
	Released     int `json:"released"`
	Errors       int `json:"errors"`
}

type result int

const (
	resultCompleted result = iota
	resultRetried
	resultDeadLettered
	resultLeaseLost
	resultReleased
	resultError
)

var resultNames = map[result]string{
	resultCompleted:    "completed",
	resultRetried:      "retried",
	resultDeadLettered: "dead_lettered",
	resultLeaseLost:    "lease_lost",
	resultReleased:     "released",
	resultError:        "error",
}

func (s *CycleStats) add(r result) {
	switch r {
	case resultCompleted:
		s.Completed++
	case resultRetried:
		s.Retried++
	case resultDeadLettered:
		s.DeadLettered++
	case resultLeaseLost:
		s.LeaseLost++
	case resultReleased:
		s.Released++
	default:
		s.Errors++
	}
}

// cycle runs one reclaim/lease/process pass. Leasing follows ctx; the
// attempts themselves follow attemptCtx so that shutdown can give them
// a grace period.
func (w *Worker) cycle(ctx, attemptCtx context.Context) (CycleStats, error) {
	var stats CycleStats
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	start := time.Now()

	n := w.cycles.Add(1)
	if n == 1 || n%int64(w.cfg.ReclaimEvery) == 0 {
		reclaimed, err := w.deps.Store.ReclaimExpiredLeases(ctx)
		if err != nil {
			return stats, err
		}
		stats.Reclaimed = reclaimed
		if reclaimed > 0 {
			w.log.Info("reclaimed expired leases", "count", reclaimed)
			w.deps.Metrics.LeasesReclaimed(reclaimed)
		}
	}

	events, err := w.deps.Leases.Acquire(ctx, w.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Leased = len(events)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(w.cfg.Concurrency)
	for _, e := range events {
		g.Go(func() error {
			spanCtx, span := w.tracer.Start(attemptCtx, "worker.attempt", trace.WithAttributes(
				attribute.String("event.id", e.ID),
				attribute.String("event.type", e.Type),
				attribute.String("tenant.id", e.TenantID),
				attribute.Int("event.retry_count", e.RetryCount),
			))
			r := w.handle(ctx, spanCtx, e)
			span.SetAttributes(attribute.String("outcome", resultNames[r]))
			if r == resultError || r == resultDeadLettered {
				span.SetStatus(codes.Error, resultNames[r])
			}
			span.End()
			w.deps.Metrics.EventOutcome(resultNames[r])
			mu.Lock()
			stats.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	w.lastSuccess.Store(w.deps.Now().UnixNano())
	w.deps.Metrics.CycleCompleted(len(events), time.Since(start))
	return stats, nil
}

// handle runs one attempt. It never returns an error: every outcome is
// recorded on the event, or the event is left for reclaim.
func (w *Worker) handle(ctx, attemptCtx context.Context, e model.Event) result {
	log := w.log.With("event_id", e.ID, "tenant_id", e.TenantID, "type", e.Type)

	// Shutdown began before this event started: hand it straight back.
	if ctx.Err() != nil {
		return w.release(attemptCtx, log, e.Lease())
	}

	held, err := w.deps.Leases.Hold(attemptCtx, e)
	if err != nil {
		if errors.Is(err, model.ErrLeaseLost) {
			log.Debug("lease lost before processing")
			return resultLeaseLost
		}
		log.Warn("mark processing failed", "err", err)
		return resultError
	}

	var (
		out        Outcome
		diagnostic string
	)
	res, perr := w.deps.Processor.Process(e)
	if perr != nil {
		out = Outcome{Class: downstream.ClassPermanent, Err: perr}
	} else {
		diagnostic = res.Diagnostic
		ar := w.deps.Applier.Apply(held.Context(), e.TenantID, res.Ops)
		out = Outcome{Class: ar.Class, Err: ar.Err}
	}

	if err := held.Stop(); errors.Is(err, model.ErrLeaseLost) {
		log.Debug("lease lost during attempt, abandoning")
		return resultLeaseLost
	}
	l := held.Lease()

	if attemptCtx.Err() != nil && out.Err != nil {
		// Cut off by shutdown; this attempt does not count.
		return w.release(attemptCtx, log, l)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(attemptCtx), w.cfg.WriteTimeout)
	defer cancel()

	d := w.deps.Policy.Decide(e, out, w.deps.Now())
	var r result
	switch d.Action {
	case ActionComplete:
		err, r = w.deps.Store.MarkCompleted(wctx, l, diagnostic), resultCompleted
		if diagnostic != "" {
			log.Info("event completed with diagnostic", "diagnostic", diagnostic)
		}
	case ActionRetry:
		err, r = w.deps.Store.MarkFailed(wctx, l, d.Reason, d.NextAttemptAt), resultRetried
		log.Warn("event attempt failed, will retry",
			"retry_count", e.RetryCount+1, "next_attempt_at", d.NextAttemptAt, "err", out.Err)
	case ActionDeadLetter:
		err, r = w.deps.Store.MarkDeadLetter(wctx, l, d.Reason), resultDeadLettered
		log.Error("event dead-lettered", "retry_count", e.RetryCount+1, "reason", d.Reason)
	}
	if err != nil {
		if errors.Is(err, model.ErrLeaseLost) {
			log.Debug("lease lost before recording outcome", "action", d.Action.String())
			return resultLeaseLost
		}
		log.Error("record outcome failed", "action", d.Action.String(), "err", err)
		return resultError
	}
	return r
}

func (w *Worker) release(ctx context.Context, log *slog.Logger, l model.Lease) result {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()
	if err := w.deps.Leases.Release(rctx, l); err != nil {
		log.Warn("release lease failed", "err", err)
		return resultError
	}
	log.Info("lease released on shutdown")
	return resultReleased
}
