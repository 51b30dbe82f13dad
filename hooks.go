package poll

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// If this is returned from OnBoot, the engine shall not start. It is not
	// reported as an error.
	ErrBootDeclined = errors.New("boot declined by hook")
)

// Context passed to Hooks.OnError alongside the failure.
type ErrorContext struct {
	Phase    Phase
	WorkerID string
	// Set when the failure happened while processing a task.
	Task *Task
	// Set when fetching tasks or messages failed and the cycle was skipped.
	Fetch bool
}

// Hooks are the lifecycle callbacks invoked by the engine. Every field is
// optional; a nil hook is skipped.
//
// A hook fails by returning an error or by panicking. Either way the failure
// is passed to OnError and the engine carries on.
type Hooks struct {
	OnBoot     func(ctx context.Context, workerID string) error
	OnWork     func(ctx context.Context, tasks []Task, messages []Message) error
	OnIdle     func(ctx context.Context, workerID string) error
	OnShutdown func(ctx context.Context, workerID string) error

	OnTaskStart func(ctx context.Context, t Task) error
	// Executes a claimed task. The result is passed to Source.Complete and
	// OnTaskComplete.
	Handle         func(ctx context.Context, t Task) (any, error)
	OnTaskComplete func(ctx context.Context, t Task, result any) error

	// Failures of OnError itself are discarded.
	OnError func(ctx context.Context, err error, ec ErrorContext) error
}

// Returned in place of a panic recovered from a hook or source call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Runs fn, converting a panic into a *PanicError.
func capture(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Chain combines several sets of hooks into one. Hooks run in the order
// given. All members of an error-returning hook run and their errors are
// joined; OnBoot declines if any member declines. Handle uses the first
// member that defines one.
func Chain(hooks ...Hooks) Hooks {
	var h Hooks
	h.OnBoot = func(ctx context.Context, workerID string) error {
		return each(hooks, func(m Hooks) error {
			if m.OnBoot == nil {
				return nil
			}
			return m.OnBoot(ctx, workerID)
		})
	}
	h.OnWork = func(ctx context.Context, tasks []Task, messages []Message) error {
		return each(hooks, func(m Hooks) error {
			if m.OnWork == nil {
				return nil
			}
			return m.OnWork(ctx, tasks, messages)
		})
	}
	h.OnIdle = func(ctx context.Context, workerID string) error {
		return each(hooks, func(m Hooks) error {
			if m.OnIdle == nil {
				return nil
			}
			return m.OnIdle(ctx, workerID)
		})
	}
	h.OnShutdown = func(ctx context.Context, workerID string) error {
		return each(hooks, func(m Hooks) error {
			if m.OnShutdown == nil {
				return nil
			}
			return m.OnShutdown(ctx, workerID)
		})
	}
	h.OnTaskStart = func(ctx context.Context, t Task) error {
		return each(hooks, func(m Hooks) error {
			if m.OnTaskStart == nil {
				return nil
			}
			return m.OnTaskStart(ctx, t)
		})
	}
	for _, m := range hooks {
		if m.Handle != nil {
			h.Handle = m.Handle
			break
		}
	}
	h.OnTaskComplete = func(ctx context.Context, t Task, result any) error {
		return each(hooks, func(m Hooks) error {
			if m.OnTaskComplete == nil {
				return nil
			}
			return m.OnTaskComplete(ctx, t, result)
		})
	}
	h.OnError = func(ctx context.Context, err error, ec ErrorContext) error {
		// Every reporter gets the failure even if an earlier one panics.
		return each(hooks, func(m Hooks) error {
			if m.OnError == nil {
				return nil
			}
			return m.OnError(ctx, err, ec)
		})
	}
	return h
}

func each(hooks []Hooks, fn func(Hooks) error) error {
	var errs []error
	for _, m := range hooks {
		if err := capture(func() error { return fn(m) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
