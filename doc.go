// poll is an embeddable polling engine for worker processes. It asks a work
// source for pending tasks and messages, runs tasks one at a time in priority
// order, acknowledges messages and backs off exponentially while there is
// nothing to do.
//
// The engine owns no storage and no execution logic. Both are supplied by the
// caller: a Source for tasks and messages, and Hooks for everything which
// happens to them:
//
//	import (
//		"context"
//
//		"git.sr.ht/~sircmpwn/dopoll"
//		"git.sr.ht/~sircmpwn/dopoll/memsource"
//	)
//
//	// ...
//	src := memsource.New()
//	engine, err := poll.New(poll.Config{WorkerID: "worker-1"}, src, poll.Hooks{
//		Handle: func(ctx context.Context, t poll.Task) (any, error) {
//			// Thing which might fail...
//			return nil, nil
//		},
//	})
//	engine.Start(ctx)
//	defer engine.Stop(ctx)
//
// Each cycle claims every pending task through the source before running it,
// so several engines may share one source. A cycle which finds no work
// multiplies the delay before the next cycle by Config.BackoffFactor, up to
// Config.MaxInterval; finding work resets it to Config.BaseInterval.
//
// Failures of hooks and source calls, returned or panicked, never stop the
// engine. They are passed to Hooks.OnError together with the lifecycle phase
// and the task being processed, if any. The observe package provides hooks
// which turn these into logs and prometheus metrics.
//
// Use Poll to run a single cycle without the timer, which is convenient for
// tests, and Run to block until a context is cancelled.
package poll
