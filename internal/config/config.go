// Package config resolves process settings from flags, BITRIVER_VOD_*
// environment variables and an optional .env file, in that order of
// precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "BITRIVER_VOD_"

// MinSecretLength is the shortest accepted server secret, in bytes.
const MinSecretLength = 32

// Registry and queue drivers.
const (
	RegistryJSON     = "json"
	RegistryPostgres = "postgres"
	QueueMemory      = "memory"
	QueueRedis       = "redis"
	SessionsMemory   = "memory"
	SessionsPostgres = "postgres"
)

// Config is the resolved configuration shared by every command.
type Config struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	LogLevel    string
	LogFormat   string

	Secret              string
	KeyIterations       int
	TokenTTL            time.Duration
	TokenIssuer         string
	TokenAudience       string
	StrictClientBinding bool
	TrustProxy          bool
	AdminKey            string
	SessionTTL          time.Duration
	SessionStore        string
	HousekeepingEvery   time.Duration

	InboxDir       string
	StagingDir     string
	AssetsDir      string
	MaxUploadBytes int64
	StaleUploadAge time.Duration

	RegistryDriver         string
	RegistryPath           string
	PostgresDSN            string
	PostgresMaxConns       int
	PostgresMinConns       int
	PostgresAcquireTimeout time.Duration

	QueueDriver   string
	QueueSize     int
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisQueueKey string

	Workers         int
	EmbeddedWorkers bool
	// RecoverOnStart fails assets left mid-pipeline by a previous run. Turn it
	// off when several workers share one Redis queue.
	RecoverOnStart bool
	JobTimeout     time.Duration
	ShutdownGrace  time.Duration
	UseGPU         bool
	FFmpegPath     string
	FFprobePath    string
	PackagerPath   string
	SegmentSeconds int

	NATSURL           string
	NATSSubjectPrefix string

	CORSOrigins     []string
	RateGlobalRPS   float64
	RateGlobalBurst int
	RateIssueLimit  int
	RateIssueWindow time.Duration
	RateRedisAddr   string

	// Args holds positional arguments left after flag parsing.
	Args []string
}

// LoadOptions adjusts where Load reads its inputs from.
type LoadOptions struct {
	// LookupEnv replaces os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// EnvFile is read for values missing from the environment. It defaults
	// to BITRIVER_VOD_ENV_FILE, then ".env". A missing file is ignored.
	EnvFile string
	// Output receives flag usage and errors. Defaults to os.Stderr.
	Output io.Writer
}

// Load parses args for the command called name.
func Load(name string, args []string, opts LoadOptions) (*Config, error) {
	env, err := newEnvSource(opts)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	if opts.Output != nil {
		flags.SetOutput(opts.Output)
	}

	flags.StringVar(&cfg.Addr, "addr", env.str("ADDR", ":8080"), "HTTP listen address")
	flags.StringVar(&cfg.TLSCertFile, "tls-cert", env.str("TLS_CERT", ""), "path to TLS certificate file")
	flags.StringVar(&cfg.TLSKeyFile, "tls-key", env.str("TLS_KEY", ""), "path to TLS private key file")
	flags.StringVar(&cfg.LogLevel, "log-level", env.str("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", env.str("LOG_FORMAT", "json"), "log format (json, text or console)")

	flags.StringVar(&cfg.Secret, "secret", env.str("SECRET", ""), "server secret for key derivation and token signing")
	flags.IntVar(&cfg.KeyIterations, "key-iterations", env.integer("KEY_ITERATIONS", 100000), "PBKDF2 iterations for content keys")
	flags.DurationVar(&cfg.TokenTTL, "token-ttl", env.duration("TOKEN_TTL", time.Hour), "playback token lifetime")
	flags.StringVar(&cfg.TokenIssuer, "token-issuer", env.str("TOKEN_ISSUER", "bitriver-vod"), "playback token issuer")
	flags.StringVar(&cfg.TokenAudience, "token-audience", env.str("TOKEN_AUDIENCE", ""), "playback token audience")
	flags.BoolVar(&cfg.StrictClientBinding, "strict-client-binding", env.boolean("STRICT_CLIENT_BINDING", false), "reject tokens presented from a different IP or user agent")
	flags.BoolVar(&cfg.TrustProxy, "trust-proxy", env.boolean("TRUST_PROXY", false), "trust X-Forwarded-For for client addresses")
	flags.StringVar(&cfg.AdminKey, "admin-key", env.str("ADMIN_KEY", ""), "bearer key for operator API calls")
	flags.DurationVar(&cfg.SessionTTL, "session-ttl", env.duration("SESSION_TTL", 24*time.Hour), "subject session lifetime")
	flags.DurationVar(&cfg.HousekeepingEvery, "housekeeping-interval", env.duration("HOUSEKEEPING_INTERVAL", 10*time.Minute), "interval between expired session and stale upload sweeps (0 disables)")
	flags.StringVar(&cfg.SessionStore, "session-store", env.str("SESSION_STORE", SessionsMemory), "session store (memory or postgres)")

	flags.StringVar(&cfg.InboxDir, "inbox-dir", env.str("INBOX_DIR", "data/inbox"), "directory JSON ingest requests may reference")
	flags.StringVar(&cfg.StagingDir, "staging-dir", env.str("STAGING_DIR", "data/staging"), "temporary ingest workspaces")
	flags.StringVar(&cfg.AssetsDir, "assets-dir", env.str("ASSETS_DIR", "data/assets"), "committed packaged assets")
	flags.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", env.int64("MAX_UPLOAD_BYTES", 8<<30), "largest accepted upload")
	flags.DurationVar(&cfg.StaleUploadAge, "stale-upload-age", env.duration("STALE_UPLOAD_AGE", 6*time.Hour), "age after which abandoned upload files are removed")

	flags.StringVar(&cfg.RegistryDriver, "registry-driver", env.str("REGISTRY_DRIVER", RegistryJSON), "asset registry (json or postgres)")
	flags.StringVar(&cfg.RegistryPath, "registry-path", env.str("REGISTRY_PATH", "data/registry.json"), "JSON registry file")
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", env.str("POSTGRES_DSN", env.unprefixed("DATABASE_URL")), "Postgres connection string")
	flags.IntVar(&cfg.PostgresMaxConns, "postgres-max-conns", env.integer("POSTGRES_MAX_CONNS", 0), "maximum pooled Postgres connections")
	flags.IntVar(&cfg.PostgresMinConns, "postgres-min-conns", env.integer("POSTGRES_MIN_CONNS", 0), "minimum idle Postgres connections")
	flags.DurationVar(&cfg.PostgresAcquireTimeout, "postgres-acquire-timeout", env.duration("POSTGRES_ACQUIRE_TIMEOUT", 0), "timeout acquiring a pooled connection")

	flags.StringVar(&cfg.QueueDriver, "queue-driver", env.str("QUEUE_DRIVER", QueueMemory), "job queue (memory or redis)")
	flags.IntVar(&cfg.QueueSize, "queue-size", env.integer("QUEUE_SIZE", 64), "in-memory queue capacity")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", env.str("REDIS_ADDR", ""), "Redis address for the job queue")
	flags.StringVar(&cfg.RedisUsername, "redis-username", env.str("REDIS_USERNAME", ""), "Redis username")
	flags.StringVar(&cfg.RedisPassword, "redis-password", env.str("REDIS_PASSWORD", ""), "Redis password")
	flags.IntVar(&cfg.RedisDB, "redis-db", env.integer("REDIS_DB", 0), "Redis database number")
	flags.StringVar(&cfg.RedisQueueKey, "redis-queue-key", env.str("REDIS_QUEUE_KEY", ""), "Redis list holding queued jobs")

	flags.IntVar(&cfg.Workers, "workers", env.integer("WORKERS", 2), "concurrent transcode jobs")
	flags.BoolVar(&cfg.EmbeddedWorkers, "embedded-workers", env.boolean("EMBEDDED_WORKERS", true), "run transcode workers inside the server process")
	flags.BoolVar(&cfg.RecoverOnStart, "recover-on-start", env.boolean("RECOVER_ON_START", true), "fail assets interrupted by a previous run")
	flags.DurationVar(&cfg.JobTimeout, "job-timeout", env.duration("JOB_TIMEOUT", 2*time.Hour), "upper bound for one ingest job")
	flags.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", env.duration("SHUTDOWN_GRACE", 30*time.Second), "time allowed for running jobs to stop")
	flags.BoolVar(&cfg.UseGPU, "gpu", env.boolean("GPU", false), "encode with NVENC")
	flags.StringVar(&cfg.FFmpegPath, "ffmpeg", env.str("FFMPEG_PATH", "ffmpeg"), "ffmpeg binary")
	flags.StringVar(&cfg.FFprobePath, "ffprobe", env.str("FFPROBE_PATH", "ffprobe"), "ffprobe binary")
	flags.StringVar(&cfg.PackagerPath, "packager", env.str("PACKAGER_PATH", "packager"), "Shaka packager binary")
	flags.IntVar(&cfg.SegmentSeconds, "segment-seconds", env.integer("SEGMENT_SECONDS", 2), "target media segment duration")

	flags.StringVar(&cfg.NATSURL, "nats-url", env.str("NATS_URL", ""), "NATS server for lifecycle events (empty disables)")
	flags.StringVar(&cfg.NATSSubjectPrefix, "nats-subject-prefix", env.str("NATS_SUBJECT_PREFIX", ""), "subject prefix for lifecycle events")

	corsOrigins := flags.String("cors-origins", env.str("CORS_ORIGINS", ""), "comma separated origins allowed cross-origin access")
	flags.Float64Var(&cfg.RateGlobalRPS, "rate-global-rps", env.float("RATE_GLOBAL_RPS", 0), "global request rate limit")
	flags.IntVar(&cfg.RateGlobalBurst, "rate-global-burst", env.integer("RATE_GLOBAL_BURST", 0), "global rate limit burst")
	flags.IntVar(&cfg.RateIssueLimit, "rate-issue-limit", env.integer("RATE_ISSUE_LIMIT", 30), "token and session issuance per client per window")
	flags.DurationVar(&cfg.RateIssueWindow, "rate-issue-window", env.duration("RATE_ISSUE_WINDOW", time.Minute), "issuance rate limit window")
	flags.StringVar(&cfg.RateRedisAddr, "rate-redis-addr", env.str("RATE_REDIS_ADDR", ""), "Redis address for shared issuance limits")

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	cfg.CORSOrigins = splitAndTrim(*corsOrigins)
	cfg.Args = flags.Args()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.RegistryDriver = strings.ToLower(strings.TrimSpace(c.RegistryDriver))
	c.QueueDriver = strings.ToLower(strings.TrimSpace(c.QueueDriver))
	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	c.Secret = strings.TrimSpace(c.Secret)
	c.AdminKey = strings.TrimSpace(c.AdminKey)
	if c.RateRedisAddr == "" && c.QueueDriver == QueueRedis {
		c.RateRedisAddr = c.RedisAddr
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Secret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("secret must be at least %d bytes", MinSecretLength))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("job timeout must be positive"))
	}
	if c.SegmentSeconds <= 0 {
		errs = append(errs, errors.New("segment seconds must be positive"))
	}
	if c.KeyIterations <= 0 {
		errs = append(errs, errors.New("key iterations must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}
	for name, dir := range map[string]string{"inbox": c.InboxDir, "staging": c.StagingDir, "assets": c.AssetsDir} {
		if strings.TrimSpace(dir) == "" {
			errs = append(errs, fmt.Errorf("%s dir is required", name))
		}
	}

	switch c.RegistryDriver {
	case RegistryJSON:
		if strings.TrimSpace(c.RegistryPath) == "" {
			errs = append(errs, errors.New("json registry requires a path"))
		}
		if !c.EmbeddedWorkers {
			errs = append(errs, errors.New("json registry requires embedded workers"))
		}
	case RegistryPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres registry requires a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported registry driver %q", c.RegistryDriver))
	}

	switch c.QueueDriver {
	case QueueMemory:
		if c.QueueSize <= 0 {
			errs = append(errs, errors.New("queue size must be positive"))
		}
		if !c.EmbeddedWorkers {
			errs = append(errs, errors.New("memory queue requires embedded workers"))
		}
	case QueueRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis queue requires an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue driver %q", c.QueueDriver))
	}

	switch c.SessionStore {
	case SessionsMemory:
	case SessionsPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres session store requires a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported session store %q", c.SessionStore))
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the settings a standalone worker needs on top of
// Validate. A worker shares assets with the server, so both the queue and the
// registry must live outside the process.
func (c *Config) ValidateWorker() error {
	var errs []error
	if c.QueueDriver != QueueRedis {
		errs = append(errs, errors.New("worker requires the redis queue driver"))
	}
	if c.RegistryDriver != RegistryPostgres {
		errs = append(errs, errors.New("worker requires the postgres registry driver"))
	}
	return errors.Join(errs...)
}

// UploadDir is where multipart uploads are spooled. It sits inside the
// staging root so spooled files can be renamed into workspaces.
func (c *Config) UploadDir() string {
	return filepath.Join(c.StagingDir, ".uploads")
}

// EnsureDirs creates the inbox, staging, upload and asset directories, and
// the JSON registry's parent directory when that driver is selected.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.InboxDir, c.StagingDir, c.UploadDir(), c.AssetsDir}
	if c.RegistryDriver == RegistryJSON {
		dirs = append(dirs, filepath.Dir(c.RegistryPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

type envSource struct {
	lookup func(string) (string, bool)
	file   map[string]string
	errs   []error
}

func newEnvSource(opts LoadOptions) (*envSource, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	src := &envSource{lookup: lookup}
	path := strings.TrimSpace(opts.EnvFile)
	if path == "" {
		if value, ok := lookup(EnvPrefix + "ENV_FILE"); ok && strings.TrimSpace(value) != "" {
			path = strings.TrimSpace(value)
		} else {
			path = ".env"
		}
	}
	values, err := godotenv.Read(path)
	switch {
	case err == nil:
		src.file = values
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return src, nil
}

func (e *envSource) raw(key string) (string, bool) {
	name := EnvPrefix + key
	if value, ok := e.lookup(name); ok {
		return strings.TrimSpace(value), true
	}
	if value, ok := e.file[name]; ok {
		return strings.TrimSpace(value), true
	}
	return "", false
}

func (e *envSource) unprefixed(name string) string {
	if value, ok := e.lookup(name); ok {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(e.file[name])
}

func (e *envSource) str(key, fallback string) string {
	if value, ok := e.raw(key); ok && value != "" {
		return value
	}
	return fallback
}

func (e *envSource) integer(key string, fallback int) int {
	value, ok := e.raw(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return n
}

func (e *envSource) int64(key string, fallback int64) int64 {
	value, ok := e.raw(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return n
}

func (e *envSource) float(key string, fallback float64) float64 {
	value, ok := e.raw(key)
	if !ok || value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return f
}

func (e *envSource) duration(key string, fallback time.Duration) time.Duration {
	value, ok := e.raw(key)
	if !ok || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return d
}

func (e *envSource) boolean(key string, fallback bool) bool {
	value, ok := e.raw(key)
	if !ok || value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return fallback
	}
	return b
}

func (e *envSource) err() error {
	return errors.Join(e.errs...)
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
