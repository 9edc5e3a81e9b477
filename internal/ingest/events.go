package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bitriver-vod/internal/models"
)

// DefaultSubjectPrefix prefixes every lifecycle subject.
const DefaultSubjectPrefix = "bitriver.vod.asset"

// Event describes one asset lifecycle transition.
type Event struct {
	AssetID    string             `json:"assetId"`
	Status     models.AssetStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// Publisher broadcasts lifecycle events. Publishing is best effort; callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NATSPublisher publishes events as JSON to <prefix>.<status>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to cfg.URL. Reconnects are handled by the client
// library; disconnects are logged.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("nats url required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "bitriver-vod"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event with status is published on.
func (p *NATSPublisher) Subject(status models.AssetStatus) string {
	return p.prefix + "." + string(status)
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event.Status), payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Ping flushes the connection, confirming the server is reachable.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
