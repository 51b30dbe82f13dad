// Package config loads the worker binary's configuration from the
// environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~sircmpwn/dopoll"
)

const (
	defaultSource     = SourceSQLite
	defaultDSN        = "dopoll.db"
	defaultRedisAddr  = "localhost:6379"
	defaultRedisPref  = "dopoll:"
	defaultMongoURI   = "mongodb://localhost:27017"
	defaultMongoDB    = "dopoll"
	defaultListenAddr = ":8080"

	envWorkerID      = "POLL_WORKER_ID"
	envBaseInterval  = "POLL_BASE_INTERVAL"
	envMaxInterval   = "POLL_MAX_INTERVAL"
	envBackoffFactor = "POLL_BACKOFF_FACTOR"
	envSource        = "POLL_SOURCE"
	envDSN           = "POLL_DSN"
	envRedisAddr     = "POLL_REDIS_ADDR"
	envRedisPrefix   = "POLL_REDIS_PREFIX"
	envMongoURI      = "POLL_MONGO_URI"
	envMongoDB       = "POLL_MONGO_DB"
	envVisibility    = "POLL_MESSAGE_VISIBILITY"
	envListenAddr    = "POLL_LISTEN_ADDR"
	envLogLevel      = "POLL_LOG_LEVEL"
)

// Source selects the backing store of the worker.
type Source string

const (
	SourceMemory   Source = "memory"
	SourceSQLite   Source = "sqlite"
	SourcePostgres Source = "postgres"
	SourceRedis    Source = "redis"
	SourceMongo    Source = "mongo"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Engine poll.Config

	Source      Source
	DSN         string
	RedisAddr   string
	RedisPrefix string
	MongoURI    string
	MongoDB     string

	// How long a fetched message stays hidden from other workers. Zero
	// keeps the source's default.
	Visibility time.Duration

	ListenAddr string
	LogLevel   slog.Level
}

// Load reads configuration from environment variables with sensible
// defaults. The worker ID defaults to the host name.
func Load() (Config, error) {
	cfg := Config{
		Source:      defaultSource,
		DSN:         defaultDSN,
		RedisAddr:   defaultRedisAddr,
		RedisPrefix: defaultRedisPref,
		MongoURI:    defaultMongoURI,
		MongoDB:     defaultMongoDB,
		ListenAddr:  defaultListenAddr,
		LogLevel:    slog.LevelInfo,
	}

	cfg.Engine.WorkerID = os.Getenv(envWorkerID)
	if cfg.Engine.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("%s unset and no host name: %w", envWorkerID, err)
		}
		cfg.Engine.WorkerID = host
	}

	var err error
	if cfg.Engine.BaseInterval, err = parseDuration(envBaseInterval); err != nil {
		return Config{}, err
	}
	if cfg.Engine.MaxInterval, err = parseDuration(envMaxInterval); err != nil {
		return Config{}, err
	}
	if v := os.Getenv(envBackoffFactor); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envBackoffFactor, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Config{}, fmt.Errorf("%s: %q is not a finite number", envBackoffFactor, v)
		}
		cfg.Engine.BackoffFactor = f
	}

	if cfg.Visibility, err = parseDuration(envVisibility); err != nil {
		return Config{}, err
	}

	if v := os.Getenv(envSource); v != "" {
		cfg.Source, err = parseSource(v)
		if err != nil {
			return Config{}, err
		}
	}
	if v := os.Getenv(envDSN); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(envRedisPrefix); v != "" {
		cfg.RedisPrefix = v
	}
	if v := os.Getenv(envMongoURI); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv(envMongoDB); v != "" {
		cfg.MongoDB = v
	}
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg, nil
}

func parseDuration(env string) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", env, err)
	}
	return d, nil
}

func parseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(s)); src {
	case SourceMemory, SourceSQLite, SourcePostgres, SourceRedis, SourceMongo:
		return src, nil
	default:
		return "", fmt.Errorf("%s: unknown source %q", envSource, s)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
