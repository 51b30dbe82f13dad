// Package observe turns engine lifecycle events into structured logs and
// Prometheus metrics. Both are plain poll.Hooks, to be combined with the
// application's own hooks using poll.Chain.
package observe

import (
	"context"
	"log/slog"

	"git.sr.ht/~sircmpwn/dopoll"
)

// Returns hooks which log every lifecycle event to logger. Cycle events are
// logged at debug level, task completion and boot/shutdown at info, and
// failures at error.
func Logging(logger *slog.Logger) poll.Hooks {
	return poll.Hooks{
		OnBoot: func(ctx context.Context, workerID string) error {
			logger.InfoContext(ctx, "worker booted", "worker_id", workerID)
			return nil
		},
		OnWork: func(ctx context.Context, tasks []poll.Task, messages []poll.Message) error {
			logger.DebugContext(ctx, "work found",
				"worker_id", poll.WorkerFromContext(ctx),
				"tasks", len(tasks),
				"messages", len(messages),
			)
			return nil
		},
		OnIdle: func(ctx context.Context, workerID string) error {
			logger.DebugContext(ctx, "no work found", "worker_id", workerID)
			return nil
		},
		OnShutdown: func(ctx context.Context, workerID string) error {
			logger.InfoContext(ctx, "worker shut down", "worker_id", workerID)
			return nil
		},
		OnTaskStart: func(ctx context.Context, t poll.Task) error {
			logger.DebugContext(ctx, "task started",
				"worker_id", poll.WorkerFromContext(ctx),
				"task_id", t.ID,
				"priority", t.Priority,
			)
			return nil
		},
		OnTaskComplete: func(ctx context.Context, t poll.Task, result any) error {
			logger.InfoContext(ctx, "task completed",
				"worker_id", poll.WorkerFromContext(ctx),
				"task_id", t.ID,
				"priority", t.Priority,
			)
			return nil
		},
		OnError: func(ctx context.Context, err error, ec poll.ErrorContext) error {
			attrs := []any{
				"error", err,
				"phase", ec.Phase,
				"worker_id", ec.WorkerID,
			}
			if ec.Task != nil {
				attrs = append(attrs, "task_id", ec.Task.ID)
			}
			if ec.Fetch {
				attrs = append(attrs, "fetch", true)
			}
			logger.ErrorContext(ctx, "poll failure", attrs...)
			return nil
		},
	}
}
