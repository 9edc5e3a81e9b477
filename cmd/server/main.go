// Command server runs the asset API, token-gated playback delivery and, by
// default, the transcode workers in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/app"
	"bitriver-vod/internal/config"
	"bitriver-vod/internal/delivery"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/server"
	"bitriver-vod/internal/serverutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("server", os.Args[1:], config.LoadOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := run(ctx, cfg, logger, app.Options{}); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts app.Options) error {
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

	if cfg.EmbeddedWorkers && cfg.RecoverOnStart {
		recovered, err := a.Pipeline.RecoverInterrupted(ctx)
		if err != nil {
			logger.Error("recover interrupted assets", "error", err)
		} else if recovered > 0 {
			logger.Warn("failed assets interrupted by previous run", "count", recovered)
		}
	}

	srv, err := newHTTPServer(cfg, a, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx, nil)
	})
	if cfg.EmbeddedWorkers {
		processor, err := a.NewProcessor()
		if err != nil {
			return err
		}
		group.Go(func() error {
			return processor.Run(groupCtx, cfg.ShutdownGrace)
		})
	}
	housekeepingLogger := logging.WithComponent(logger, "housekeeping")
	stopHousekeeping := startHousekeeping(groupCtx, housekeepingLogger, cfg.HousekeepingEvery,
		sessionPurgeTask(a.Sessions),
		staleUploadTask(cfg.UploadDir(), cfg.StaleUploadAge, time.Now, housekeepingLogger),
	)
	defer stopHousekeeping()

	logger.Info("bitriver-vod server started",
		"addr", cfg.Addr,
		"registry", cfg.RegistryDriver,
		"queue", cfg.QueueDriver,
		"embedded_workers", cfg.EmbeddedWorkers,
		"workers", cfg.Workers,
		"strict_client_binding", cfg.StrictClientBinding)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bitriver-vod server stopped")
	return nil
}

func newHTTPServer(cfg *config.Config, a *app.App, logger *slog.Logger) (*server.Server, error) {
	apiHandler, err := api.NewHandler(api.HandlerConfig{
		Ingest:         a.Pipeline,
		Assets:         a.Registry,
		Tokens:         a.Tokens,
		Sessions:       a.Sessions,
		AdminKey:       cfg.AdminKey,
		InboxDir:       cfg.InboxDir,
		UploadDir:      cfg.UploadDir(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		TrustProxy:     cfg.TrustProxy,
		Checks:         a.Checks(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	deliveryServer, err := delivery.New(delivery.Config{
		Tokens:     a.Tokens,
		Keys:       a.Keys,
		Assets:     a.Registry,
		AssetsRoot: cfg.AssetsDir,
		TrustProxy: cfg.TrustProxy,
		Metrics:    a.Metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		Addr:     cfg.Addr,
		TLS:      serverutil.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		API:      apiHandler,
		Delivery: deliveryServer,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   cfg.RateGlobalRPS,
			GlobalBurst: cfg.RateGlobalBurst,
			IssueLimit:  cfg.RateIssueLimit,
			IssueWindow: cfg.RateIssueWindow,
			Redis: server.RedisStoreConfig{
				Addr:     cfg.RateRedisAddr,
				Username: cfg.RedisUsername,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			},
			TrustProxy: cfg.TrustProxy,
		},
		CORS:            server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		Metrics:         a.Metrics,
		Logger:          logger,
		ShutdownTimeout: cfg.ShutdownGrace,
	})
}
