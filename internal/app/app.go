// Package app assembles the ingest and playback components from a resolved
// configuration. The server and worker commands share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/config"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/keys"
	"bitriver-vod/internal/media"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/workspace"
)

// Options supplies collaborators that tests replace.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Runner executes media tools. Defaults to media.ExecRunner.
	Runner media.Runner
	Clock  func() time.Time
}

// App holds every long-lived component. Close releases them in reverse
// order of construction.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Registry   storage.Registry
	Keys       *keys.Deriver
	Tokens     *auth.TokenService
	Sessions   *auth.SessionManager
	Workspaces *workspace.Manager
	Queue      ingest.Queue
	Events     ingest.Publisher
	Pipeline   *ingest.Pipeline

	checks  []api.HealthCheck
	closers []func(context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Build validates cfg and wires the components it selects. On error every
// component opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	a = &App{Config: cfg, Logger: logger, Metrics: recorder}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.Registry, err = openRegistry(ctx, cfg, now); err != nil {
		return nil, err
	}
	a.addCloser(a.Registry.Close)
	a.addCheck("registry", a.Registry)

	secret := []byte(cfg.Secret)
	if a.Keys, err = keys.NewDeriver(secret, keys.WithIterations(cfg.KeyIterations)); err != nil {
		return nil, fmt.Errorf("app: key deriver: %w", err)
	}
	if a.Tokens, err = auth.NewTokenService(auth.TokenConfig{
		Secret:              secret,
		Issuer:              cfg.TokenIssuer,
		Audience:            cfg.TokenAudience,
		TTL:                 cfg.TokenTTL,
		StrictClientBinding: cfg.StrictClientBinding,
		Logger:              logging.WithComponent(logger, "tokens"),
		Now:                 now,
	}); err != nil {
		return nil, fmt.Errorf("app: token service: %w", err)
	}
	if a.Sessions, err = a.openSessions(ctx, cfg, now); err != nil {
		return nil, err
	}

	if a.Workspaces, err = workspace.NewManager(cfg.StagingDir, cfg.AssetsDir, logging.WithComponent(logger, "workspace")); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if a.Queue, err = openQueue(ctx, cfg); err != nil {
		return nil, err
	}
	a.addCloser(func(context.Context) error { return a.Queue.Close() })
	a.addCheck("queue", a.Queue)

	if a.Events, err = openEvents(cfg, logger); err != nil {
		return nil, err
	}
	a.addCloser(func(context.Context) error { return a.Events.Close() })
	a.addCheck("events", a.Events)

	runner := opts.Runner
	if runner == nil {
		runner = media.ExecRunner{Logger: logging.WithComponent(logger, "media")}
	}
	transcoder, err := media.NewTranscoder(media.TranscoderConfig{
		Runner:         runner,
		Keys:           a.Keys,
		FFmpegPath:     cfg.FFmpegPath,
		PackagerPath:   cfg.PackagerPath,
		SegmentSeconds: cfg.SegmentSeconds,
		Logger:         logging.WithComponent(logger, "transcoder"),
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if a.Pipeline, err = ingest.NewPipeline(ingest.PipelineConfig{
		Registry:   a.Registry,
		Workspaces: a.Workspaces,
		Analyzer:   media.NewAnalyzer(runner, cfg.FFprobePath),
		Transcoder: transcoder,
		Queue:      a.Queue,
		Events:     a.Events,
		Metrics:    recorder,
		Logger:     logger,
		UseGPU:     cfg.UseGPU,
		Clock:      now,
	}); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return a, nil
}

func openRegistry(ctx context.Context, cfg *config.Config, now func() time.Time) (storage.Registry, error) {
	switch cfg.RegistryDriver {
	case config.RegistryPostgres:
		registry, err := storage.NewPostgresRegistry(ctx, cfg.PostgresDSN,
			storage.WithClock(now),
			storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)),
			storage.WithPostgresAcquireTimeout(cfg.PostgresAcquireTimeout),
			storage.WithPostgresApplicationName("bitriver-vod"),
		)
		if err != nil {
			return nil, fmt.Errorf("app: open postgres registry: %w", err)
		}
		return registry, nil
	default:
		registry, err := storage.NewJSONRegistry(filepath.Clean(cfg.RegistryPath), storage.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("app: open json registry: %w", err)
		}
		return registry, nil
	}
}

func (a *App) openSessions(ctx context.Context, cfg *config.Config, now func() time.Time) (*auth.SessionManager, error) {
	opts := []auth.SessionOption{auth.WithSessionClock(now)}
	if cfg.SessionStore == config.SessionsPostgres {
		var pool *pgxpool.Pool
		if registry, ok := a.Registry.(*storage.PostgresRegistry); ok {
			pool = registry.Pool()
		} else {
			opened, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("app: open session pool: %w", err)
			}
			a.addCloser(func(context.Context) error { opened.Close(); return nil })
			pool = opened
		}
		store, err := auth.NewPostgresSessionStore(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		opts = append(opts, auth.WithStore(store))
	}
	return auth.NewSessionManager(cfg.SessionTTL, opts...), nil
}

func openQueue(ctx context.Context, cfg *config.Config) (ingest.Queue, error) {
	if cfg.QueueDriver != config.QueueRedis {
		return ingest.NewMemoryQueue(cfg.QueueSize), nil
	}
	queue, err := ingest.NewRedisQueue(ctx, ingest.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      cfg.RedisQueueKey,
	})
	if err != nil {
		return nil, fmt.Errorf("app: open redis queue: %w", err)
	}
	return queue, nil
}

func openEvents(cfg *config.Config, logger *slog.Logger) (ingest.Publisher, error) {
	if cfg.NATSURL == "" {
		return ingest.NoopPublisher{}, nil
	}
	publisher, err := ingest.NewNATSPublisher(ingest.NATSConfig{
		URL:           cfg.NATSURL,
		SubjectPrefix: cfg.NATSSubjectPrefix,
		Logger:        logging.WithComponent(logger, "events"),
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return publisher, nil
}

func (a *App) addCloser(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// addCheck registers target for /readyz when it can be pinged.
func (a *App) addCheck(component string, target any) {
	if p, ok := target.(pinger); ok {
		a.checks = append(a.checks, api.HealthCheck{Component: component, Ping: p.Ping})
	}
}

// Checks lists readiness probes for every pingable dependency.
func (a *App) Checks() []api.HealthCheck {
	return append([]api.HealthCheck(nil), a.checks...)
}

// NewProcessor builds a queue consumer that runs the pipeline.
func (a *App) NewProcessor() (*ingest.Processor, error) {
	return ingest.NewProcessor(ingest.ProcessorConfig{
		Handler: a.Pipeline,
		Queue:   a.Queue,
		Workers: a.Config.Workers,
		Timeout: a.Config.JobTimeout,
		Metrics: a.Metrics,
		Logger:  a.Logger,
	})
}

// Close releases every component, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
