package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"git.sr.ht/~sircmpwn/dopoll"
)

// Source is a leasing poll.Source which also accepts new work.
type Source interface {
	poll.Source
	poll.Enqueuer
	poll.MessageLeaser
	Now(now func() time.Time)
	Visibility(d time.Duration)
}

// SourceSuite checks the behaviour every bundled source shares. New must
// return an empty source each time it is called.
type SourceSuite struct {
	suite.Suite
	New func(t *testing.T) Source

	src Source
	ctx context.Context
}

func (s *SourceSuite) SetupTest() {
	s.src = s.New(s.T())
	s.ctx = poll.ContextWithWorker(context.Background(), "worker-1")
}

func (s *SourceSuite) enqueue(id string, p poll.Priority) {
	_, err := s.src.EnqueueTask(s.ctx, poll.Task{ID: id, Priority: p, Payload: map[string]any{"n": 1}})
	s.Require().NoError(err)
}

func (s *SourceSuite) TestEnqueueAssignsID() {
	t, err := s.src.EnqueueTask(s.ctx, poll.Task{Priority: poll.PriorityQueue})
	s.Require().NoError(err)
	s.NotEmpty(t.ID)
	s.False(t.CreatedAt.IsZero())

	m, err := s.src.SendMessage(s.ctx, poll.Message{Source: "worker-2", Type: "PING"})
	s.Require().NoError(err)
	s.NotEmpty(m.ID)
	s.False(m.Timestamp.IsZero())
}

func (s *SourceSuite) TestFetchTasks() {
	now := time.Now().UTC()
	for i, id := range []string{"t1", "t2", "t3"} {
		_, err := s.src.EnqueueTask(s.ctx, poll.Task{
			ID:        id,
			Priority:  poll.PriorityBacklog,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
		s.Require().NoError(err)
	}

	tasks, err := s.src.FetchTasks(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(tasks, 3)
	ids := make(map[string]poll.Priority)
	for _, t := range tasks {
		ids[t.ID] = t.Priority
	}
	s.Equal(map[string]poll.Priority{
		"t1": poll.PriorityBacklog,
		"t2": poll.PriorityBacklog,
		"t3": poll.PriorityBacklog,
	}, ids)
}

func (s *SourceSuite) TestClaim() {
	s.enqueue("t1", poll.PrioritySprint)
	s.enqueue("t2", poll.PriorityQueue)

	ok, err := s.src.Claim(s.ctx, "t1")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.src.Claim(s.ctx, "t1")
	s.Require().NoError(err)
	s.False(ok)

	tasks, err := s.src.FetchTasks(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.Equal("t2", tasks[0].ID)
}

func (s *SourceSuite) TestClaimConcurrent() {
	s.enqueue("t1", poll.PriorityInterrupt)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		errs atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := poll.ContextWithWorker(context.Background(), fmt.Sprintf("worker-%d", i))
			ok, err := s.src.Claim(ctx, "t1")
			if err != nil {
				errs.Add(1)
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(int32(0), errs.Load())
	s.Equal(int32(1), wins.Load())
}

func (s *SourceSuite) TestComplete() {
	s.enqueue("t1", poll.PrioritySprint)
	ok, err := s.src.Claim(s.ctx, "t1")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.NoError(s.src.Complete(s.ctx, "t1", map[string]string{"status": "ok"}))

	tasks, err := s.src.FetchTasks(s.ctx)
	s.Require().NoError(err)
	s.Empty(tasks)

	ok, err = s.src.Claim(s.ctx, "t1")
	s.Require().NoError(err)
	s.False(ok)

	s.ErrorIs(s.src.Complete(s.ctx, "missing", nil), poll.ErrTaskNotFound)
}

func (s *SourceSuite) TestEnqueueCompletedID() {
	s.enqueue("t1", poll.PrioritySprint)
	ok, err := s.src.Claim(s.ctx, "t1")
	s.Require().NoError(err)
	s.Require().True(ok)

	_, err = s.src.EnqueueTask(s.ctx, poll.Task{ID: "t1", Priority: poll.PrioritySprint})
	s.Error(err)

	s.Require().NoError(s.src.Complete(s.ctx, "t1", "ok"))
	_, err = s.src.EnqueueTask(s.ctx, poll.Task{ID: "t1", Priority: poll.PrioritySprint})
	s.Error(err)

	tasks, err := s.src.FetchTasks(s.ctx)
	s.Require().NoError(err)
	s.Empty(tasks)
}

func (s *SourceSuite) TestMessageLease() {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	s.src.Now(func() time.Time { return now })
	s.src.Visibility(time.Minute)

	for _, id := range []string{"m1", "m2"} {
		_, err := s.src.SendMessage(s.ctx, poll.Message{ID: id, Source: "worker-2", Type: "STATUS"})
		s.Require().NoError(err)
	}

	messages, err := s.src.FetchMessages(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(messages, 2)
	for _, m := range messages {
		s.Equal("worker-2", m.Source)
		s.Equal("STATUS", m.Type)
	}

	messages, err = s.src.FetchMessages(s.ctx)
	s.Require().NoError(err)
	s.Empty(messages)

	s.Require().NoError(s.src.Release(s.ctx, []poll.Message{{ID: "m1"}}))
	messages, err = s.src.FetchMessages(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(messages, 1)
	s.Equal("m1", messages[0].ID)

	s.Require().NoError(s.src.Settle(s.ctx, messages[0]))

	// m2 was never settled, so it comes back once its lease runs out
	now = now.Add(2 * time.Minute)
	messages, err = s.src.FetchMessages(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(messages, 1)
	s.Equal("m2", messages[0].ID)

	s.Require().NoError(s.src.Settle(s.ctx, messages[0]))
	now = now.Add(2 * time.Minute)
	messages, err = s.src.FetchMessages(s.ctx)
	s.Require().NoError(err)
	s.Empty(messages)
}

func (s *SourceSuite) TestFetchFailureKeepsMessages() {
	_, err := s.src.SendMessage(s.ctx, poll.Message{ID: "m1", Source: "worker-2", Type: "STATUS"})
	s.Require().NoError(err)

	src := &failOnce{Source: s.src}
	var fetchErrors int
	e, err := poll.New(poll.Config{WorkerID: "worker-1"}, src, poll.Hooks{
		OnError: func(ctx context.Context, err error, ec poll.ErrorContext) error {
			s.True(ec.Fetch)
			fetchErrors++
			return nil
		},
	})
	s.Require().NoError(err)
	e.AfterFunc(func(d time.Duration, f func()) poll.Timer {
		return time.AfterFunc(time.Hour, f)
	})

	e.Start(context.Background())
	defer e.Stop(context.Background())
	s.Equal(1, fetchErrors)
	s.Equal(poll.PhaseBoot, e.Phase())

	_, messages := e.Poll(context.Background())
	s.Require().Len(messages, 1)
	s.Equal("m1", messages[0].ID)

	_, messages = e.Poll(context.Background())
	s.Empty(messages)
}

func (s *SourceSuite) TestAcknowledge() {
	s.NoError(s.src.Acknowledge(s.ctx, "worker-2", "Received STATUS: m1"))
}

func (s *SourceSuite) TestEngine() {
	s.enqueue("t1", poll.PrioritySprint)
	s.enqueue("t0", poll.PriorityInterrupt)
	_, err := s.src.SendMessage(s.ctx, poll.Message{ID: "m1", Source: "worker-2", Type: "STATUS"})
	s.Require().NoError(err)

	var started []string
	e, err := poll.New(poll.Config{WorkerID: "worker-1"}, s.src, poll.Hooks{
		OnTaskStart: func(ctx context.Context, t poll.Task) error {
			started = append(started, t.ID)
			return nil
		},
		Handle: func(ctx context.Context, t poll.Task) (any, error) {
			return "done", nil
		},
		OnError: func(ctx context.Context, err error, ec poll.ErrorContext) error {
			s.Failf("unexpected error", "%s: %v", ec.Phase, err)
			return nil
		},
	})
	s.Require().NoError(err)
	e.AfterFunc(func(d time.Duration, f func()) poll.Timer {
		return time.AfterFunc(time.Hour, f)
	})

	e.Start(context.Background())
	defer e.Stop(context.Background())

	s.Equal([]string{"t0", "t1"}, started)
	s.Equal(poll.PhaseWork, e.Phase())

	tasks, messages := e.Poll(context.Background())
	s.Empty(tasks)
	s.Empty(messages)
	s.Equal(poll.PhaseIdle, e.Phase())
}

// Fails the first task fetch.
type failOnce struct {
	Source
	failed atomic.Bool
}

func (s *failOnce) FetchTasks(ctx context.Context) ([]poll.Task, error) {
	if !s.failed.Swap(true) {
		return nil, errors.New("connection reset")
	}
	return s.Source.FetchTasks(ctx)
}
