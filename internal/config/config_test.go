package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/dispatcher"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
backend: kafka
log:
  level: debug
dispatch:
  stream_name: tenant-events
  consumer_name: dispatcher-1
  max_messages: 10
  not_found_max_attempts: 3
kafka:
  brokers: ["k1:9092", "k2:9092"]
postgres:
  url: postgres://localhost/dispatch
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, BackendKafka, cfg.Backend)
	assert.Equal(t, "tenant-events", cfg.Dispatch.StreamName)
	assert.Equal(t, 3, cfg.Dispatch.NotFoundMaxAttempts)
	assert.Equal(t, dispatcher.DefaultConfig().Group, cfg.Dispatch.Group)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "postgres://localhost/dispatch", cfg.Postgres.URL)
	assert.Equal(t, "localhost:7233", cfg.Temporal.HostPort)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
dispatch:
  stream_name: from-file
  consumer_name: dispatcher-1
  max_messages: 10
`)
	t.Setenv("DISPATCH_STREAM_NAME", "from-env")
	t.Setenv("REDIS_MIN_IDLE", "10m")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Dispatch.StreamName)
	assert.Equal(t, 10*time.Minute, cfg.Redis.MinIdle)
	assert.Equal(t, BackendRedis, cfg.Backend)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DISPATCH_STREAM_NAME", "tenant-events")
	t.Setenv("DISPATCH_CONSUMER_NAME", "dispatcher-1")
	t.Setenv("DISPATCH_MAX_MESSAGES", "25")
	t.Setenv("DISPATCH_BACKOFF_INITIAL", "250ms")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Dispatch.MaxMessages)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.BackoffInitial)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, `
backend: nats
log:
  level: loud
dispatch:
  consumer_name: dispatcher-1
  max_messages: 0
`)

	_, err := Load(path)

	require.Error(t, err)
	assert.ErrorIs(t, err, dispatcher.ErrInvalidConfig)
	assert.ErrorContains(t, err, "backend")
	assert.ErrorContains(t, err, "log level")
}

func TestRedisMinIdleExceedsBatchBudget(t *testing.T) {
	path := writeFile(t, `
backend: redis
dispatch:
  stream_name: tenant-events
  consumer_name: dispatcher-1
  max_messages: 10
  workers: 5
  attempt_timeout: 60s
  ack_timeout: 10s
`)

	tests := []struct {
		name    string
		minIdle string
		wantErr bool
	}{
		{"default", "", false},
		{"below attempt timeout", "30s", true},
		{"equal to budget", "130s", true},
		{"above budget", "131s", false},
		{"reclaim disabled", "0s", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.minIdle != "" {
				t.Setenv("REDIS_MIN_IDLE", tt.minIdle)
			}

			cfg, err := Load(path)

			if tt.wantErr {
				assert.ErrorContains(t, err, "must exceed the batch budget 2m10s")
				return
			}
			require.NoError(t, err)
			if cfg.Redis.MinIdle > 0 {
				assert.Greater(t, cfg.Redis.MinIdle, cfg.Dispatch.BatchBudget())
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}
