// Package memsource provides an in-memory poll.Source. It is safe for
// concurrent use, so several engines in one process may share it.
package memsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.sr.ht/~sircmpwn/dopoll"
)

// DefaultVisibility is how long a fetched message stays hidden from other
// fetches unless it is settled or released first.
const DefaultVisibility = 30 * time.Second

// Ack is an acknowledgement recorded by the source.
type Ack struct {
	Target string
	Text   string
	At     time.Time
}

type entry struct {
	task    poll.Task
	claimed bool
	owner   string
}

type result struct {
	owner string
	value any
}

type lease struct {
	message poll.Message
	owner   string
	until   time.Time
}

// Source keeps tasks, messages and acknowledgements in memory. Tasks stay
// pending until claimed and are dropped from the queue once completed; only
// their owner and result are kept. Fetched messages are leased to the
// fetching worker until settled, released or the lease runs out.
type Source struct {
	mu         sync.Mutex
	order      []string
	entries    map[string]*entry
	done       map[string]result
	messages   []*lease
	acks       []Ack
	now        func() time.Time
	visibility time.Duration
}

var (
	_ poll.Source        = (*Source)(nil)
	_ poll.Enqueuer      = (*Source)(nil)
	_ poll.MessageLeaser = (*Source)(nil)
)

// Creates a new empty source.
func New() *Source {
	return &Source{
		entries: make(map[string]*entry),
		done:    make(map[string]result),
		now: func() time.Time {
			return time.Now().UTC()
		},
		visibility: DefaultVisibility,
	}
}

// Sets the function the source will use to obtain the current time.
func (s *Source) Now(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Sets how long fetched messages stay hidden. Non-positive values are
// ignored.
func (s *Source) Visibility(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.visibility = d
	s.mu.Unlock()
}

// Adds a task. A task with an existing ID replaces the pending one; IDs of
// claimed or completed tasks are rejected.
func (s *Source) EnqueueTask(ctx context.Context, t poll.Task) (poll.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = poll.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if _, ok := s.done[t.ID]; ok {
		return poll.Task{}, fmt.Errorf("store task: %s already exists", t.ID)
	}
	e, ok := s.entries[t.ID]
	switch {
	case !ok:
		s.order = append(s.order, t.ID)
	case e.claimed:
		return poll.Task{}, fmt.Errorf("store task: %s already exists", t.ID)
	}
	s.entries[t.ID] = &entry{task: t}
	return t, nil
}

// Adds a message.
func (s *Source) SendMessage(ctx context.Context, m poll.Message) (poll.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = poll.NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	s.messages = append(s.messages, &lease{message: m})
	return m, nil
}

// Returns unclaimed tasks in insertion order.
func (s *Source) FetchTasks(ctx context.Context) ([]poll.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []poll.Task
	for _, id := range s.order {
		if e := s.entries[id]; !e.claimed {
			tasks = append(tasks, e.task)
		}
	}
	return tasks, nil
}

// Returns every visible message in the order it was sent and leases it to
// the worker carried by ctx.
func (s *Source) FetchMessages(ctx context.Context) ([]poll.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	owner := poll.WorkerFromContext(ctx)
	var messages []poll.Message
	for _, l := range s.messages {
		if l.until.After(now) {
			continue
		}
		l.owner = owner
		l.until = now.Add(s.visibility)
		messages = append(messages, l.message)
	}
	return messages, nil
}

// Removes a handled message.
func (s *Source) Settle(ctx context.Context, m poll.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.messages {
		if l.message.ID == m.ID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

// Makes messages leased by the worker carried by ctx visible again.
func (s *Source) Release(ctx context.Context, messages []poll.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := poll.WorkerFromContext(ctx)
	ids := make(map[string]bool, len(messages))
	for _, m := range messages {
		ids[m.ID] = true
	}
	for _, l := range s.messages {
		if ids[l.message.ID] && l.owner == owner {
			l.owner = ""
			l.until = time.Time{}
		}
	}
	return nil
}

// Claims a task on behalf of the worker carried by ctx.
func (s *Source) Claim(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok || e.claimed {
		return false, nil
	}
	e.claimed = true
	e.owner = poll.WorkerFromContext(ctx)
	return true, nil
}

// Records the result of a task and drops it from the queue.
func (s *Source) Complete(ctx context.Context, taskID string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.done[taskID]; ok {
		r.value = value
		s.done[taskID] = r
		return nil
	}
	e, ok := s.entries[taskID]
	if !ok {
		return poll.ErrTaskNotFound
	}
	owner := e.owner
	if !e.claimed {
		owner = poll.WorkerFromContext(ctx)
	}
	s.done[taskID] = result{owner: owner, value: value}
	delete(s.entries, taskID)
	for i, id := range s.order {
		if id == taskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Source) Acknowledge(ctx context.Context, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, Ack{Target: target, Text: text, At: s.now()})
	return nil
}

// Returns the results of completed tasks by ID.
func (s *Source) Completed() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := make(map[string]any, len(s.done))
	for id, r := range s.done {
		done[id] = r.value
	}
	return done
}

// Returns the worker which claimed a task, if any.
func (s *Source) Owner(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.done[taskID]; ok {
		return r.owner, true
	}
	e, ok := s.entries[taskID]
	if !ok || !e.claimed {
		return "", false
	}
	return e.owner, true
}

// Returns every acknowledgement recorded so far.
func (s *Source) Acks() []Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Ack(nil), s.acks...)
}

// Returns the number of unclaimed tasks and unsettled messages.
func (s *Source) Pending() (tasks, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.claimed {
			tasks++
		}
	}
	return tasks, len(s.messages)
}

// Returns the number of tasks still queued, claimed or not.
func (s *Source) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
