package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validSecret = "0123456789abcdef0123456789abcdef"

func envFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func load(t *testing.T, env map[string]string, args ...string) *Config {
	t.Helper()
	cfg, err := Load("test", args, LoadOptions{
		LookupEnv: envFrom(env),
		EnvFile:   filepath.Join(t.TempDir(), "missing.env"),
		Output:    io.Discard,
	})
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t, nil)

	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, time.Hour, cfg.TokenTTL)
	require.Equal(t, RegistryJSON, cfg.RegistryDriver)
	require.Equal(t, QueueMemory, cfg.QueueDriver)
	require.Equal(t, SessionsMemory, cfg.SessionStore)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, 2, cfg.SegmentSeconds)
	require.False(t, cfg.StrictClientBinding)
	require.True(t, cfg.EmbeddedWorkers)
	require.True(t, cfg.RecoverOnStart)
	require.Equal(t, filepath.Join("data", "staging", ".uploads"), cfg.UploadDir())
}

func TestLoadPrecedence(t *testing.T) {
	env := map[string]string{
		"BITRIVER_VOD_ADDR":                  ":9000",
		"BITRIVER_VOD_WORKERS":               "4",
		"BITRIVER_VOD_TOKEN_TTL":             "15m",
		"BITRIVER_VOD_STRICT_CLIENT_BINDING": "true",
		"BITRIVER_VOD_CORS_ORIGINS":          "https://a.example.com, ,https://b.example.com",
	}
	cfg := load(t, env, "-addr", ":7000", "extra")

	require.Equal(t, ":7000", cfg.Addr, "flag beats environment")
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 15*time.Minute, cfg.TokenTTL)
	require.True(t, cfg.StrictClientBinding)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	require.Equal(t, []string{"extra"}, cfg.Args)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vod.env")
	contents := strings.Join([]string{
		"BITRIVER_VOD_SECRET=" + validSecret,
		"BITRIVER_VOD_QUEUE_DRIVER=Redis",
		"BITRIVER_VOD_REDIS_ADDR=127.0.0.1:6379",
		"BITRIVER_VOD_WORKERS=3",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load("test", nil, LoadOptions{
		LookupEnv: envFrom(map[string]string{"BITRIVER_VOD_WORKERS": "5"}),
		EnvFile:   path,
		Output:    io.Discard,
	})
	require.NoError(t, err)
	require.Equal(t, validSecret, cfg.Secret)
	require.Equal(t, QueueRedis, cfg.QueueDriver)
	require.Equal(t, 5, cfg.Workers, "process environment beats the env file")
	require.Equal(t, "127.0.0.1:6379", cfg.RateRedisAddr, "issuance limits share the queue's redis")
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	_, err := Load("test", nil, LoadOptions{
		LookupEnv: envFrom(map[string]string{"BITRIVER_VOD_WORKERS": "many", "BITRIVER_VOD_TOKEN_TTL": "soon"}),
		EnvFile:   filepath.Join(t.TempDir(), "missing.env"),
		Output:    io.Discard,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "BITRIVER_VOD_WORKERS")
	require.Contains(t, err.Error(), "BITRIVER_VOD_TOKEN_TTL")
}

func TestLoadFallsBackToDatabaseURL(t *testing.T) {
	cfg := load(t, map[string]string{"DATABASE_URL": "postgres://vod@db/vod"})
	require.Equal(t, "postgres://vod@db/vod", cfg.PostgresDSN)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		return load(t, map[string]string{"BITRIVER_VOD_SECRET": validSecret})
	}
	require.NoError(t, valid(t).Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Secret = "short" }, "secret must be at least 32 bytes"},
		{"zero ttl", func(c *Config) { c.TokenTTL = 0 }, "token ttl must be positive"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers must be positive"},
		{"unknown registry", func(c *Config) { c.RegistryDriver = "sqlite" }, `unsupported registry driver "sqlite"`},
		{"postgres without dsn", func(c *Config) { c.RegistryDriver = RegistryPostgres; c.PostgresDSN = "" }, "postgres registry requires a DSN"},
		{"redis without addr", func(c *Config) { c.QueueDriver = QueueRedis; c.RedisAddr = "" }, "redis queue requires an address"},
		{"half tls", func(c *Config) { c.TLSCertFile = "cert.pem" }, "tls cert and key must be set together"},
		{"memory queue without workers", func(c *Config) { c.EmbeddedWorkers = false }, "memory queue requires embedded workers"},
		{"json registry without workers", func(c *Config) {
			c.EmbeddedWorkers = false
			c.QueueDriver = QueueRedis
			c.RedisAddr = "127.0.0.1:6379"
		}, "json registry requires embedded workers"},
		{"unknown session store", func(c *Config) { c.SessionStore = "file" }, `unsupported session store "file"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateWorker(t *testing.T) {
	cfg := load(t, map[string]string{
		"BITRIVER_VOD_SECRET":       validSecret,
		"BITRIVER_VOD_QUEUE_DRIVER": "redis",
		"BITRIVER_VOD_REDIS_ADDR":   "127.0.0.1:6379",
	})
	err := cfg.ValidateWorker()
	require.ErrorContains(t, err, "worker requires the postgres registry driver")
	require.NotContains(t, err.Error(), "redis queue")

	cfg.QueueDriver = QueueMemory
	err = cfg.ValidateWorker()
	require.ErrorContains(t, err, "worker requires the redis queue driver")

	cfg.QueueDriver = QueueRedis
	cfg.RegistryDriver = RegistryPostgres
	cfg.PostgresDSN = "postgres://vod@db/vod"
	require.NoError(t, cfg.ValidateWorker())
	require.NoError(t, cfg.Validate())
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := load(t, map[string]string{
		"BITRIVER_VOD_INBOX_DIR":     filepath.Join(root, "inbox"),
		"BITRIVER_VOD_STAGING_DIR":   filepath.Join(root, "staging"),
		"BITRIVER_VOD_ASSETS_DIR":    filepath.Join(root, "assets"),
		"BITRIVER_VOD_REGISTRY_PATH": filepath.Join(root, "state", "registry.json"),
	})
	require.NoError(t, cfg.EnsureDirs())
	for _, dir := range []string{"inbox", "staging", filepath.Join("staging", ".uploads"), "assets", "state"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}
