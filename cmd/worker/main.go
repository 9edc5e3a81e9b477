// Command worker consumes the shared Redis job queue and runs the transcode
// pipeline. It serves /healthz, /readyz and /metrics on its listen address.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"bitriver-vod/internal/app"
	"bitriver-vod/internal/config"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/serverutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("worker", os.Args[1:], config.LoadOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := run(ctx, cfg, logger, app.Options{}); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts app.Options) error {
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	logger = logging.WithComponent(logger, "worker")
	opts.Logger = logger
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	a, err := app.Build(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("close components", "error", err)
		}
	}()

	if cfg.RecoverOnStart {
		if recovered, err := a.Pipeline.RecoverInterrupted(ctx); err != nil {
			logger.Error("recover interrupted assets", "error", err)
		} else if recovered > 0 {
			logger.Warn("failed assets interrupted by previous run", "count", recovered)
		}
	}

	processor, err := a.NewProcessor()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return processor.Run(groupCtx, cfg.ShutdownGrace)
	})
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server: &http.Server{
				Addr:              cfg.Addr,
				Handler:           newOpsHandler(a),
				ReadHeaderTimeout: 5 * time.Second,
			},
			ShutdownTimeout: cfg.ShutdownGrace,
			Logger:          logger,
		})
	})
	logger.Info("bitriver-vod worker started", "workers", cfg.Workers, "addr", cfg.Addr)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bitriver-vod worker stopped")
	return nil
}

// newOpsHandler serves liveness, readiness and metrics for the worker.
func newOpsHandler(a *app.App) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		serverutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		status := http.StatusOK
		components := make(map[string]string)
		for _, check := range a.Checks() {
			if err := check.Ping(ctx); err != nil {
				components[check.Component] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[check.Component] = "ok"
		}
		serverutil.WriteJSON(w, status, components)
	}).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
	return metrics.HTTPMiddleware(a.Metrics, router)
}
