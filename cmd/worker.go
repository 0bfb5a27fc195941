package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/app"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job-processing worker pool and ops server",
		Long: `Starts the worker pool consuming the crawl, generate, and verify
queues, plus the HTTP server exposing health, metrics, queue depth,
dead letters, and run inspection. Runs until SIGINT or SIGTERM.`,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:           a.Ops.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	opsErr := make(chan error, 1)
	go func() {
		a.Log.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opsErr <- err
		}
	}()

	workersDone := make(chan struct{})
	go func() {
		a.Workers.Run(ctx)
		close(workersDone)
	}()

	select {
	case err := <-opsErr:
		stop()
		<-workersDone
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}

	a.Log.Info("signal received, draining workers")
	<-workersDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("ops server shutdown", zap.Error(err))
	}
	return nil
}
