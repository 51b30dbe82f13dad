package poll

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Records every source and hook call in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

type ack struct {
	target string
	text   string
}

type fakeSource struct {
	log *callLog

	mu        sync.Mutex
	tasks     []Task
	messages  []Message
	denied    map[string]bool
	claimed   map[string]bool
	completed map[string]any
	acks      []ack

	fetchTasksErr    error
	fetchMessagesErr error
	claimErr         error
	completeErr      error
	ackErr           error
}

func newFakeSource(log *callLog) *fakeSource {
	return &fakeSource{
		log:       log,
		denied:    make(map[string]bool),
		claimed:   make(map[string]bool),
		completed: make(map[string]any),
	}
}

func (s *fakeSource) FetchTasks(ctx context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchTasksErr != nil {
		return nil, s.fetchTasksErr
	}
	var pending []Task
	for _, t := range s.tasks {
		if _, done := s.completed[t.ID]; !done && !s.claimed[t.ID] {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

func (s *fakeSource) FetchMessages(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchMessagesErr != nil {
		return nil, s.fetchMessagesErr
	}
	return append([]Message(nil), s.messages...), nil
}

func (s *fakeSource) Claim(ctx context.Context, taskID string) (bool, error) {
	if s.log != nil {
		s.log.add("claim:%s", taskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	if s.denied[taskID] || s.claimed[taskID] {
		return false, nil
	}
	s.claimed[taskID] = true
	return true, nil
}

func (s *fakeSource) Complete(ctx context.Context, taskID string, result any) error {
	if s.log != nil {
		s.log.add("complete:%s", taskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completed[taskID] = result
	return nil
}

func (s *fakeSource) Acknowledge(ctx context.Context, target, text string) error {
	if s.log != nil {
		s.log.add("ack:%s", target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acks = append(s.acks, ack{target, text})
	return nil
}

type reported struct {
	err error
	ec  ErrorContext
}

// Returns hooks which log every call and collect reported errors.
func recordingHooks(log *callLog, errs *[]reported) Hooks {
	var mu sync.Mutex
	return Hooks{
		OnBoot: func(ctx context.Context, workerID string) error {
			log.add("boot:%s", workerID)
			return nil
		},
		OnWork: func(ctx context.Context, tasks []Task, messages []Message) error {
			log.add("work:%d:%d", len(tasks), len(messages))
			return nil
		},
		OnIdle: func(ctx context.Context, workerID string) error {
			log.add("idle:%s", workerID)
			return nil
		},
		OnShutdown: func(ctx context.Context, workerID string) error {
			log.add("shutdown:%s", workerID)
			return nil
		},
		OnTaskStart: func(ctx context.Context, t Task) error {
			log.add("start:%s", t.ID)
			return nil
		},
		OnTaskComplete: func(ctx context.Context, t Task, result any) error {
			log.add("done:%s", t.ID)
			return nil
		},
		OnError: func(ctx context.Context, err error, ec ErrorContext) error {
			log.add("error:%s", ec.Phase)
			mu.Lock()
			*errs = append(*errs, reported{err, ec})
			mu.Unlock()
			return nil
		},
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

// Collects scheduled cycles instead of running them.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// A fakeSource which also settles and releases messages.
type leasingSource struct {
	*fakeSource
	settleErr error
}

func (s *leasingSource) Settle(ctx context.Context, m Message) error {
	s.log.add("settle:%s", m.ID)
	return s.settleErr
}

func (s *leasingSource) Release(ctx context.Context, messages []Message) error {
	for _, m := range messages {
		s.log.add("release:%s", m.ID)
	}
	return nil
}
