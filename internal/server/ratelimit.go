package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitriver-vod/internal/serverutil"
)

// RateLimitConfig bounds overall request throughput and how often a single
// client may mint credentials. Issuance counters live in Redis when an
// address is set so that every API replica shares them.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// IssueLimit caps token and session issuance per client IP per
	// IssueWindow. Zero disables the check.
	IssueLimit  int
	IssueWindow time.Duration
	Redis       RedisStoreConfig
	// TrustProxy keys clients by X-Forwarded-For instead of the peer address.
	TrustProxy bool
}

type rateLimiter struct {
	global       *tokenBucket
	issueLimit   int
	issueWindow  time.Duration
	issueMu      sync.Mutex
	issueBuckets map[string]*ipLimiter
	store        tokenStore
	trustProxy   bool
	now          func() time.Time
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		issueLimit:   cfg.IssueLimit,
		issueWindow:  cfg.IssueWindow,
		issueBuckets: make(map[string]*ipLimiter),
		trustProxy:   cfg.TrustProxy,
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst, rl.now)
	}
	if rl.issueLimit < 0 {
		rl.issueLimit = 0
	}
	if rl.issueWindow <= 0 {
		rl.issueWindow = time.Minute
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" && rl.issueLimit > 0 {
		store, err := newRedisStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowIssue reports whether key may mint another credential and, when it
// may not, how long the caller should wait.
func (r *rateLimiter) AllowIssue(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.issueLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "issue:"+key, r.issueLimit, r.issueWindow)
	}
	now := r.now()
	r.issueMu.Lock()
	limiter, exists := r.issueBuckets[key]
	if !exists {
		rate := float64(r.issueLimit) / r.issueWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.issueLimit, r.now)}
		r.issueBuckets[key] = limiter
	}
	limiter.lastSeen = now
	r.cleanupLocked(now)
	r.issueMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.Wait(), nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.issueWindow)
	for key, limiter := range r.issueBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.issueBuckets, key)
		}
	}
}

// Ping checks the shared store. It is a no-op for in-memory limiting.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

// limitedRoute reports whether the request mints a credential.
func limitedRoute(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/api/sessions" {
		return true
	}
	return strings.HasPrefix(path, "/api/assets/") && strings.HasSuffix(path, "/tokens")
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if limitedRoute(r) {
			ip := serverutil.ClientIP(r, rl.trustProxy)
			allowed, retryAfter, err := rl.AllowIssue(r.Context(), ip)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit unavailable")
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many token requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
	now       func() time.Time
}

func newTokenBucket(rate float64, burst int, now func() time.Time) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now(),
		now:       now,
	}
}

func (tb *tokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.rate)
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Wait returns how long until the next token is available.
func (tb *tokenBucket) Wait() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}
