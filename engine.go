package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Phase of the engine lifecycle.
type Phase string

const (
	PhaseBoot     Phase = "boot"
	PhaseWork     Phase = "work"
	PhaseIdle     Phase = "idle"
	PhaseShutdown Phase = "shutdown"
)

// Handle to a scheduled cycle. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Engine polls a Source for tasks and messages, dispatches them through
// Hooks and backs off while no work is found.
//
// Cycles of one engine never overlap. Engines share no state with each
// other; coordinating several engines over one source is up to the source's
// Claim.
type Engine struct {
	cfg    Config
	source Source
	hooks  Hooks

	// Held for the whole of a cycle.
	cycle sync.Mutex

	mu      sync.Mutex
	after   func(d time.Duration, f func()) Timer
	phase   Phase
	running bool
	backoff backoff
	timer   Timer
	gen     uint64
	ctx     context.Context
	stopped chan struct{}
}

// Creates a new engine. The engine does nothing until Start or Poll is
// called.
func New(cfg Config, src Source, hooks Hooks) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	return &Engine{
		cfg:    cfg,
		source: src,
		hooks:  hooks,
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		phase:   PhaseBoot,
		backoff: newBackoff(cfg.BaseInterval, cfg.MaxInterval, cfg.BackoffFactor),
		ctx:     context.Background(),
	}, nil
}

// Sets the function the engine will use to schedule the next cycle.
func (e *Engine) AfterFunc(fn func(d time.Duration, f func()) Timer) {
	e.mu.Lock()
	e.after = fn
	e.mu.Unlock()
}

// Returns the worker identity passed to hooks.
func (e *Engine) WorkerID() string {
	return e.cfg.WorkerID
}

// Returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Returns true between a successful Start and Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Returns the delay before the next cycle.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoff.cur
}

// Starts the engine: runs OnBoot, then one cycle, then keeps polling on a
// timer until Stop. Does nothing if the engine is already running.
//
// If OnBoot returns ErrBootDeclined the engine stays stopped and nothing is
// reported. If it fails otherwise the failure is reported under PhaseBoot and
// the engine stays stopped.
//
// Cycles scheduled by the timer inherit the values of ctx but not its
// cancellation. Start must not be called from within a hook.
func (e *Engine) Start(ctx context.Context) {
	ctx = ContextWithWorker(ctx, e.cfg.WorkerID)
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.phase = PhaseBoot
	e.backoff.reset()
	e.gen++
	gen := e.gen
	e.ctx = context.WithoutCancel(ctx)
	e.stopped = make(chan struct{})
	e.mu.Unlock()

	err := capture(func() error {
		if e.hooks.OnBoot == nil {
			return nil
		}
		return e.hooks.OnBoot(ctx, e.cfg.WorkerID)
	})
	if err != nil {
		if !errors.Is(err, ErrBootDeclined) {
			e.report(ctx, err, PhaseBoot, nil)
		}
		e.abort(gen)
		return
	}

	e.Poll(ctx)
}

func (e *Engine) abort(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen == gen && e.running {
		e.running = false
		close(e.stopped)
	}
}

// Stops the engine. The pending cycle is cancelled, but a cycle already in
// progress runs to completion, skipping any tasks it has not yet begun.
// OnShutdown failures are reported under PhaseShutdown. Calling Stop on a
// stopped engine does nothing.
func (e *Engine) Stop(ctx context.Context) {
	ctx = ContextWithWorker(ctx, e.cfg.WorkerID)
	e.mu.Lock()
	if !e.running && e.phase == PhaseShutdown {
		e.mu.Unlock()
		return
	}
	if e.running {
		close(e.stopped)
	}
	e.running = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.phase = PhaseShutdown
	e.mu.Unlock()

	e.guard(ctx, PhaseShutdown, nil, func() error {
		if e.hooks.OnShutdown == nil {
			return nil
		}
		return e.hooks.OnShutdown(ctx, e.cfg.WorkerID)
	})
}

// Run starts the engine and blocks until ctx is cancelled or the engine is
// stopped, then stops it. It returns immediately if the engine did not
// start.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)

	e.mu.Lock()
	running, stopped := e.running, e.stopped
	e.mu.Unlock()
	if !running {
		return nil
	}

	select {
	case <-ctx.Done():
		e.Stop(context.WithoutCancel(ctx))
		return ctx.Err()
	case <-stopped:
		return nil
	}
}

// Poll runs a single cycle: fetch, triage, dispatch, acknowledge and
// reschedule. It returns the triaged tasks and the messages seen, or nothing
// if the engine is not running or the fetch failed.
//
// Poll may be called directly, independently of the timer.
func (e *Engine) Poll(ctx context.Context) ([]Task, []Message) {
	ctx = ContextWithWorker(ctx, e.cfg.WorkerID)
	e.cycle.Lock()
	defer e.cycle.Unlock()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, nil
	}
	gen, phase := e.gen, e.phase
	e.mu.Unlock()

	tasks, messages, err := e.fetch(ctx)
	if err != nil {
		e.notify(ctx, err, ErrorContext{Phase: phase, WorkerID: e.cfg.WorkerID, Fetch: true})
		e.release(ctx, phase, messages)
		e.schedule(gen)
		return nil, nil
	}
	tasks = Triage(tasks)

	if len(tasks) == 0 && len(messages) == 0 {
		e.transition(gen, PhaseIdle)
		e.guard(ctx, PhaseIdle, nil, func() error {
			if e.hooks.OnIdle == nil {
				return nil
			}
			return e.hooks.OnIdle(ctx, e.cfg.WorkerID)
		})
		e.schedule(gen)
		return tasks, messages
	}

	e.transition(gen, PhaseWork)
	e.guard(ctx, PhaseWork, nil, func() error {
		if e.hooks.OnWork == nil {
			return nil
		}
		return e.hooks.OnWork(ctx, tasks, messages)
	})

	for _, t := range tasks {
		if !e.Running() {
			break
		}
		e.process(ctx, t)
	}

	leaser, _ := e.source.(MessageLeaser)
	for _, m := range messages {
		if !e.guard(ctx, PhaseWork, nil, func() error {
			return e.source.Acknowledge(ctx, m.Source, AckText(m))
		}) {
			continue
		}
		if leaser != nil {
			e.guard(ctx, PhaseWork, nil, func() error {
				return leaser.Settle(ctx, m)
			})
		}
	}

	e.schedule(gen)
	return tasks, messages
}

// Fetches tasks and messages in parallel. Both must succeed. When only the
// task fetch fails, the messages which were fetched are returned alongside
// the error so they can be released.
func (e *Engine) fetch(ctx context.Context) ([]Task, []Message, error) {
	var (
		g        errgroup.Group
		tasks    []Task
		messages []Message
		msgErr   error
	)
	g.Go(func() error {
		return capture(func() (err error) {
			tasks, err = e.source.FetchTasks(ctx)
			return err
		})
	})
	g.Go(func() error {
		msgErr = capture(func() (err error) {
			messages, err = e.source.FetchMessages(ctx)
			return err
		})
		return msgErr
	})
	if err := g.Wait(); err != nil {
		if msgErr != nil {
			return nil, nil, err
		}
		return nil, messages, err
	}
	return tasks, messages, nil
}

// Hands the messages of an abandoned cycle back to a leasing source.
func (e *Engine) release(ctx context.Context, phase Phase, messages []Message) {
	leaser, ok := e.source.(MessageLeaser)
	if !ok || len(messages) == 0 {
		return
	}
	e.guard(ctx, phase, nil, func() error {
		return leaser.Release(ctx, messages)
	})
}

// Moves to phase and adjusts the interval, unless the run which started
// this cycle has since been stopped.
func (e *Engine) transition(gen uint64, phase Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.gen != gen {
		return
	}
	e.phase = phase
	switch phase {
	case PhaseWork:
		e.backoff.reset()
	case PhaseIdle:
		e.backoff.grow()
	}
}

// Claims and runs a single task. Losing the claim to another worker is not
// an error.
func (e *Engine) process(ctx context.Context, t Task) {
	var claimed bool
	ok := e.guard(ctx, PhaseWork, &t, func() (err error) {
		claimed, err = e.source.Claim(ctx, t.ID)
		return err
	})
	if !ok || !claimed {
		return
	}

	if !e.guard(ctx, PhaseWork, &t, func() error {
		if e.hooks.OnTaskStart == nil {
			return nil
		}
		return e.hooks.OnTaskStart(ctx, t)
	}) {
		return
	}

	var result any
	if !e.guard(ctx, PhaseWork, &t, func() (err error) {
		if e.hooks.Handle == nil {
			return nil
		}
		result, err = e.hooks.Handle(ctx, t)
		return err
	}) {
		return
	}

	if !e.guard(ctx, PhaseWork, &t, func() error {
		return e.source.Complete(ctx, t.ID, result)
	}) {
		return
	}

	e.guard(ctx, PhaseWork, &t, func() error {
		if e.hooks.OnTaskComplete == nil {
			return nil
		}
		return e.hooks.OnTaskComplete(ctx, t, result)
	})
}

// Runs fn, reporting any failure under phase. Returns true if fn succeeded.
func (e *Engine) guard(ctx context.Context, phase Phase, t *Task, fn func() error) bool {
	err := capture(fn)
	if err == nil {
		return true
	}
	e.report(ctx, err, phase, t)
	return false
}

func (e *Engine) report(ctx context.Context, err error, phase Phase, t *Task) {
	ec := ErrorContext{Phase: phase, WorkerID: e.cfg.WorkerID}
	if t != nil {
		task := *t
		ec.Task = &task
	}
	e.notify(ctx, err, ec)
}

func (e *Engine) notify(ctx context.Context, err error, ec ErrorContext) {
	if e.hooks.OnError == nil {
		return
	}
	_ = capture(func() error {
		return e.hooks.OnError(ctx, err, ec)
	})
}

// Schedules the next cycle after the current interval, if the run which
// started this cycle is still going.
func (e *Engine) schedule(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.gen != gen {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	ctx := e.ctx
	e.timer = e.after(e.backoff.cur, func() {
		e.fire(ctx, gen)
	})
}

func (e *Engine) fire(ctx context.Context, gen uint64) {
	e.mu.Lock()
	current := e.running && e.gen == gen
	if current {
		e.timer = nil
	}
	e.mu.Unlock()
	if current {
		e.Poll(ctx)
	}
}
