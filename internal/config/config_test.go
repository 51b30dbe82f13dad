package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allEnv = []string{
	envWorkerID, envBaseInterval, envMaxInterval, envBackoffFactor,
	envSource, envDSN, envRedisAddr, envRedisPrefix, envMongoURI,
	envMongoDB, envVisibility, envListenAddr, envLogLevel,
}

func clearEnv(t *testing.T) {
	for _, env := range allEnv {
		t.Setenv(env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host, cfg.Engine.WorkerID)
	assert.Zero(t, cfg.Engine.BaseInterval)
	assert.Zero(t, cfg.Engine.MaxInterval)
	assert.Zero(t, cfg.Engine.BackoffFactor)
	assert.Equal(t, SourceSQLite, cfg.Source)
	assert.Equal(t, defaultDSN, cfg.DSN)
	assert.Equal(t, defaultRedisAddr, cfg.RedisAddr)
	assert.Equal(t, defaultRedisPref, cfg.RedisPrefix)
	assert.Equal(t, defaultMongoURI, cfg.MongoURI)
	assert.Equal(t, defaultMongoDB, cfg.MongoDB)
	assert.Zero(t, cfg.Visibility)
	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envWorkerID, "worker-7")
	t.Setenv(envBaseInterval, "2s")
	t.Setenv(envMaxInterval, "1m30s")
	t.Setenv(envBackoffFactor, "2.5")
	t.Setenv(envSource, "Postgres")
	t.Setenv(envDSN, "postgres://localhost/dopoll")
	t.Setenv(envRedisAddr, "redis:6379")
	t.Setenv(envRedisPrefix, "w7:")
	t.Setenv(envMongoURI, "mongodb://mongo:27017")
	t.Setenv(envMongoDB, "work")
	t.Setenv(envVisibility, "45s")
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envLogLevel, "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "worker-7", cfg.Engine.WorkerID)
	assert.Equal(t, 2*time.Second, cfg.Engine.BaseInterval)
	assert.Equal(t, 90*time.Second, cfg.Engine.MaxInterval)
	assert.Equal(t, 2.5, cfg.Engine.BackoffFactor)
	assert.Equal(t, SourcePostgres, cfg.Source)
	assert.Equal(t, "postgres://localhost/dopoll", cfg.DSN)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "w7:", cfg.RedisPrefix)
	assert.Equal(t, "mongodb://mongo:27017", cfg.MongoURI)
	assert.Equal(t, "work", cfg.MongoDB)
	assert.Equal(t, 45*time.Second, cfg.Visibility)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{envBaseInterval, "five seconds"},
		{envMaxInterval, "10"},
		{envBackoffFactor, "fast"},
		{envBackoffFactor, "NaN"},
		{envBackoffFactor, "+Inf"},
		{envVisibility, "soon"},
		{envSource, "kafka"},
	}

	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(envWorkerID, "worker-1")
			t.Setenv(tt.env, tt.value)

			_, err := Load()
			assert.ErrorContains(t, err, tt.env)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.input), "parseLogLevel(%q)", tt.input)
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	require.NotNil(t, logger)

	logger.Debug("hidden")
	logger.Info("test message", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "INFO", entry["level"])
}
