// Command pollworker runs a polling engine against one of the bundled
// sources and serves the admin API beside it.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"git.sr.ht/~sircmpwn/dopoll"
	"git.sr.ht/~sircmpwn/dopoll/internal/admin"
	"git.sr.ht/~sircmpwn/dopoll/internal/config"
	"git.sr.ht/~sircmpwn/dopoll/memsource"
	"git.sr.ht/~sircmpwn/dopoll/mongosource"
	"git.sr.ht/~sircmpwn/dopoll/observe"
	"git.sr.ht/~sircmpwn/dopoll/redissource"
	"git.sr.ht/~sircmpwn/dopoll/sqlsource"
)

const connectTimeout = 10 * time.Second

type source interface {
	poll.Source
	poll.Enqueuer
	poll.MessageLeaser
	Visibility(d time.Duration)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("pollworker: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("pollworker: starting",
		"worker_id", cfg.Engine.WorkerID,
		"source", cfg.Source,
		"listen_addr", cfg.ListenAddr,
	)

	src, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s source: %w", cfg.Source, err)
	}
	defer func() {
		if err := closeSource(); err != nil {
			logger.Error("close source", "error", err)
		}
	}()
	src.Visibility(cfg.Visibility)

	metrics, err := observe.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	hooks := poll.Chain(
		observe.Logging(logger),
		metrics.Hooks(),
		poll.Hooks{Handle: handle},
	)
	engine, err := poll.New(cfg.Engine, src, hooks)
	if err != nil {
		return err
	}
	if err := metrics.Watch(engine); err != nil {
		return err
	}

	srv := admin.NewServer(cfg.ListenAddr, engine, src, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		err := engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// Completes every task by echoing its payload back as the result.
func handle(ctx context.Context, t poll.Task) (any, error) {
	return map[string]any{
		"worker_id": poll.WorkerFromContext(ctx),
		"payload":   t.Payload,
	}, nil
}

func openSource(ctx context.Context, cfg config.Config) (source, func() error, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Source {
	case config.SourceMemory:
		return memsource.New(), func() error { return nil }, nil
	case config.SourceSQLite:
		db, err := sqlsource.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return openSQL(ctx, db, sqlsource.SQLite)
	case config.SourcePostgres:
		db, err := sqlsource.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return openSQL(ctx, db, sqlsource.Postgres)
	case config.SourceRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return redissource.New(client, cfg.RedisPrefix), client.Close, nil
	case config.SourceMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		disconnect := func() error {
			return client.Disconnect(context.Background())
		}
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("mongo ping failed: %w", err)
		}
		src, err := mongosource.New(ctx, client, cfg.MongoDB)
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		return src, disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func openSQL(ctx context.Context, db *sql.DB, dialect sqlsource.Dialect) (source, func() error, error) {
	src, err := sqlsource.New(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return src, src.Close, nil
}
