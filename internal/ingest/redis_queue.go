package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisQueueKey is the list holding pending jobs.
	DefaultRedisQueueKey = "bitriver:vod:jobs"
	defaultPopTimeout    = time.Second
)

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
	// PopTimeout bounds each BRPOP so Pop notices cancellation promptly.
	PopTimeout time.Duration
	// Client overrides the connection built from Addr.
	Client *redis.Client
}

// RedisQueue stores jobs in a Redis list. Producers LPUSH and consumers
// BRPOP, so jobs are handed out oldest first and survive restarts.
type RedisQueue struct {
	client     *redis.Client
	key        string
	popTimeout time.Duration
	ownsClient bool
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	client := cfg.Client
	owns := false
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis queue address required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		owns = true
	}
	q := &RedisQueue{
		client:     client,
		key:        strings.TrimSpace(cfg.Key),
		popTimeout: cfg.PopTimeout,
		ownsClient: owns,
	}
	if q.key == "" {
		q.key = DefaultRedisQueueKey
	}
	if q.popTimeout <= 0 {
		q.popTimeout = defaultPopTimeout
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if owns {
			_ = client.Close()
		}
		return nil, fmt.Errorf("ping redis queue: %w", err)
	}
	return q, nil
}

func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return q.wrap("push job", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		result, err := q.client.BRPop(ctx, q.popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Job{}, ctxErr
			}
			return Job{}, q.wrap("pop job", err)
		}
		if len(result) != 2 {
			return Job{}, fmt.Errorf("pop job: unexpected reply length %d", len(result))
		}
		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			return Job{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, q.wrap("queue length", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Durable() bool { return true }

// Ping reports whether Redis is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

func (q *RedisQueue) wrap(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrQueueClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}
