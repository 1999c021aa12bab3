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
)

func newWorkerCmd(cfgPath func() string) *cobra.Command {
	var opsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker only, with /metrics and /healthz on --ops-addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(rootCtx, cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.setupTracing(rootCtx); err != nil {
				return err
			}

			worker, _, err := a.newWorker()
			if err != nil {
				return err
			}
			if err := a.wakeOnBus(worker); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("GET /metrics", a.metrics.Handler())
			mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
				if time.Since(worker.LastSuccess()) > a.cfg.Worker.StaleAfter {
					http.Error(w, "stale", http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte("ok"))
			})
			ops := &http.Server{Addr: opsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			g, gctx := errgroup.WithContext(rootCtx)
			g.Go(func() error { return worker.Run(gctx) })
			g.Go(func() error {
				if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				ctx, cancel := context.WithTimeout(context.WithoutCancel(rootCtx), 5*time.Second)
				defer cancel()
				return ops.Shutdown(ctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&opsAddr, "ops-addr", ":9090", "address for /metrics and /healthz")
	return cmd
}
