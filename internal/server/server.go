package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/delivery"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/serverutil"
)

// Config wires the public HTTP surface.
type Config struct {
	Addr      string
	TLS       serverutil.TLSConfig
	API       *api.Handler
	Delivery  *delivery.Server
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	// ShutdownTimeout bounds graceful drain. Defaults to serverutil's value.
	ShutdownTimeout time.Duration
}

// Server owns the router, the middleware chain and the listener.
type Server struct {
	handler         http.Handler
	httpServer      *http.Server
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
}

// New builds the router. At least one of API and Delivery must be set.
func New(cfg Config) (*Server, error) {
	if cfg.API == nil && cfg.Delivery == nil {
		return nil, errors.New("server: api or delivery handler required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	if cfg.API != nil {
		cfg.API.Register(router)
	}
	if cfg.Delivery != nil {
		cfg.Delivery.Register(router)
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	handlerChain := http.Handler(router)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// No WriteTimeout: large segment responses stream for as long as the
	// client keeps reading.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		handler:         handlerChain,
		httpServer:      httpServer,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
		metrics:         recorder,
		rateLimiter:     rl,
	}, nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer exposes the configured *http.Server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Run serves until ctx is cancelled. ready, when non-nil, receives the
// bound address.
func (s *Server) Run(ctx context.Context, ready chan<- net.Addr) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		Logger:          s.logger,
	})
}

// Ping checks the rate limiter's shared store, if any.
func (s *Server) Ping(ctx context.Context) error {
	return s.rateLimiter.Ping(ctx)
}

// Close releases the rate limiter's Redis connection.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}
