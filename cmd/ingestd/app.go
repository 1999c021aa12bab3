package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"event-ingestion-service/internal/bus"
	"event-ingestion-service/internal/config"
	"event-ingestion-service/internal/downstream"
	"event-ingestion-service/internal/lease"
	"event-ingestion-service/internal/observability"
	"event-ingestion-service/internal/observability/jsonlog"
	"event-ingestion-service/internal/processor"
	"event-ingestion-service/internal/store/memory"
	"event-ingestion-service/internal/store/postgres"
	"event-ingestion-service/internal/store/sqlite"
	"event-ingestion-service/internal/task"
)

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	store   task.EventStore
	svc     *task.Service
	metrics *observability.Metrics
	bus     *bus.Bus // nil without NATS_URL

	closers []func() error
}

func loadApp(ctx context.Context, cfgPath string, out io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		log:     jsonlog.New(out, jsonlog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}),
		metrics: observability.NewMetrics(),
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	opts := []task.ServiceOption{task.WithServiceLogger(a.log)}
	if cfg.NATS.URL != "" {
		b, err := bus.Connect(bus.Config{URL: cfg.NATS.URL, ClientName: "ingestd"}, a.log.With("component", "bus"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.bus = b
		a.closers = append(a.closers, func() error {
			b.Close()
			return nil
		})
		opts = append(opts, task.WithNotifier(b))
	}
	a.svc = task.NewService(store, opts...)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (task.EventStore, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.DBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		return postgres.NewEventRepo(db), db.Close, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		return memory.NewEventStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newApplier builds the downstream applier, or a logging stand-in in
// dry-run mode. The breaker probe is nil in dry-run mode.
func (a *app) newApplier() (task.Applier, *downstream.Applier, error) {
	g := a.cfg.Graph
	if g.DryRun {
		return task.NoopApplier{Log: a.log.With("component", "applier")}, nil, nil
	}

	log := a.log.With("component", "applier")
	breaker := downstream.NewBreaker(downstream.BreakerConfig{
		FailureThreshold: g.FailureThreshold,
		Window:           g.FailureWindow,
		OpenFor:          g.OpenFor,
	}, nil)
	breaker.OnStateChange(func(from, to downstream.State) {
		log.Warn("circuit breaker state changed", "from", string(from), "to", string(to))
		a.metrics.BreakerStateChanged(from, to)
	})

	var cache downstream.AppliedCache = downstream.NewMemoryCache(a.cfg.Redis.AppliedTTL)
	if a.cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		a.closers = append(a.closers, client.Close)
		cache = downstream.NewRedisCache(client, a.cfg.Redis.AppliedTTL)
	}

	ap := downstream.NewApplier(downstream.Config{
		BaseURL:       g.BaseURL,
		APIKey:        g.APIKey,
		Timeout:       g.Timeout,
		RatePerSecond: g.RatePerSecond,
		Burst:         g.Burst,
	},
		downstream.WithBreaker(breaker),
		downstream.WithCache(cache),
		downstream.WithObserver(a.metrics),
		downstream.WithLogger(log),
	)
	return ap, ap, nil
}

func (a *app) newWorker() (*task.Worker, *downstream.Applier, error) {
	applier, probe, err := a.newApplier()
	if err != nil {
		return nil, nil, err
	}
	w := a.cfg.Worker
	leases := lease.NewManager(a.store, lease.Config{
		WorkerID:   w.ID,
		Duration:   w.LeaseDuration,
		RenewEvery: w.RenewEvery,
		TenantID:   w.TenantID,
	}, a.log.With("component", "lease"))

	worker := task.NewWorker(task.WorkerDeps{
		Leases:    leases,
		Store:     a.store,
		Processor: processor.New(),
		Applier:   applier,
		Policy: task.NewRetryPolicy(a.cfg.Retry.Limit, task.BackoffConfig{
			BaseDelay: a.cfg.Retry.BaseDelay,
			MaxDelay:  a.cfg.Retry.MaxDelay,
		}, nil),
		Metrics: a.metrics,
		Logger:  a.log,
	}, task.WorkerConfig{
		PollInterval:  w.PollInterval,
		BatchSize:     w.BatchSize,
		Concurrency:   w.Concurrency,
		ReclaimEvery:  w.ReclaimEvery,
		ShutdownGrace: w.ShutdownGrace,
		WriteTimeout:  w.WriteTimeout,
	})
	return worker, probe, nil
}

// wakeOnBus subscribes the worker to wake-up hints when NATS is
// configured. Hints for other tenants are ignored by scoped workers.
func (a *app) wakeOnBus(w *task.Worker) error {
	if a.bus == nil {
		return nil
	}
	tenant := a.cfg.Worker.TenantID
	unsubscribe, err := a.bus.OnWake(func(t string) {
		if tenant == "" || t == tenant {
			w.Wake()
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe wake-ups: %w", err)
	}
	a.closers = append(a.closers, func() error {
		unsubscribe()
		return nil
	})
	return nil
}

func (a *app) setupTracing(ctx context.Context) error {
	shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: "ingestd",
		Endpoint:    a.cfg.Tracing.Endpoint,
		Insecure:    a.cfg.Tracing.Insecure,
		SampleRate:  a.cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	return nil
}

// Close runs closers in reverse order.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("shutdown", "err", err)
	}
	a.closers = nil
}
