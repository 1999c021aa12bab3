package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"event-ingestion-service/internal/bus"
	"event-ingestion-service/internal/httpapi"
)

func newServeCmd(cfgPath func() string) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the bus consumer and (by default) a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(rootCtx, cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.HTTP.WebhookSecret == "" {
				return errors.New("WEBHOOK_SECRET is required")
			}
			if err := a.setupTracing(rootCtx); err != nil {
				return err
			}
			return serve(rootCtx, a, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API only; run workers with 'ingestd worker'")
	return cmd
}

func serve(ctx context.Context, a *app, withWorker bool) error {
	deps := httpapi.Deps{
		Service:       a.svc,
		StoreDriver:   a.cfg.Store.Driver,
		WebhookSecret: a.cfg.HTTP.WebhookSecret,
		Metrics:       a.metrics.Handler(),
		Ingest:        a.metrics,
		StaleAfter:    a.cfg.Worker.StaleAfter,
		Logger:        a.log,
	}

	g, gctx := errgroup.WithContext(ctx)

	if withWorker {
		worker, applier, err := a.newWorker()
		if err != nil {
			return err
		}
		if err := a.wakeOnBus(worker); err != nil {
			return err
		}
		deps.Worker = worker
		if applier != nil {
			deps.Breaker = applier
		}
		g.Go(func() error { return worker.Run(gctx) })
	}

	if a.bus != nil {
		deps.Bus = a.bus
		if err := a.bus.EnsureStream(ctx); err != nil {
			return err
		}
		consumer := bus.NewConsumer(a.svc, a.log.With("component", "consumer"), bus.WithRecorder(a.metrics))
		g.Go(func() error { return consumer.Run(gctx, a.bus) })
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown signal received")

		// Stop accepting new requests; wait for in-flight with timeout
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.log.Info("bye")
	return err
}
