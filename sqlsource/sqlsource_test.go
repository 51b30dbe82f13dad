package sqlsource

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"git.sr.ht/~sircmpwn/dopoll"
	"git.sr.ht/~sircmpwn/dopoll/internal/testutil"
)

func newSQLiteSource(t *testing.T) *Source {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	src, err := New(context.Background(), db, SQLite)
	require.NoError(t, err)
	return src
}

func TestSQLiteSuite(t *testing.T) {
	suite.Run(t, &testutil.SourceSuite{
		New: func(t *testing.T) testutil.Source {
			return newSQLiteSource(t)
		},
	})
}

func TestPostgresSuite(t *testing.T) {
	db, err := OpenPostgres(testutil.PostgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	suite.Run(t, &testutil.SourceSuite{
		New: func(t *testing.T) testutil.Source {
			src, err := New(context.Background(), db, Postgres)
			require.NoError(t, err)
			_, err = db.Exec(`TRUNCATE poll_tasks, poll_messages, poll_acks`)
			require.NoError(t, err)
			return src
		},
	})
}

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a = ? WHERE b = ? AND c = ?`
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c = $3`, Postgres.rebind(q))
	assert.Equal(t, "sqlite", SQLite.String())
	assert.Equal(t, "postgres", Postgres.String())
}

func TestMigrateTwice(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(context.Background(), db, SQLite)
	require.NoError(t, err)
	_, err = New(context.Background(), db, SQLite)
	require.NoError(t, err)
}

func TestPayloadRoundTrip(t *testing.T) {
	src := newSQLiteSource(t)
	ctx := context.Background()

	_, err := src.EnqueueTask(ctx, poll.Task{
		ID:       "t1",
		Priority: poll.PrioritySprint,
		Payload:  map[string]int{"n": 7},
	})
	require.NoError(t, err)
	_, err = src.EnqueueTask(ctx, poll.Task{ID: "t2", Priority: poll.PriorityQueue})
	require.NoError(t, err)

	tasks, err := src.FetchTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.JSONEq(t, `{"n":7}`, string(tasks[0].Payload.(json.RawMessage)))
	assert.Nil(t, tasks[1].Payload)
}

func TestCompletedAndAcks(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	src := newSQLiteSource(t)
	src.Now(func() time.Time { return now })
	ctx := poll.ContextWithWorker(context.Background(), "worker-1")

	_, err := src.EnqueueTask(ctx, poll.Task{ID: "t1", Priority: poll.PrioritySprint})
	require.NoError(t, err)
	_, err = src.EnqueueTask(ctx, poll.Task{ID: "t2", Priority: poll.PrioritySprint})
	require.NoError(t, err)
	_, err = src.SendMessage(ctx, poll.Message{ID: "m1", Source: "worker-2", Type: "STATUS"})
	require.NoError(t, err)

	tasks, messages, err := src.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tasks)
	assert.Equal(t, 1, messages)

	e, err := poll.New(poll.Config{WorkerID: "worker-1"}, src, poll.Hooks{
		Handle: func(ctx context.Context, t poll.Task) (any, error) {
			if t.ID == "t2" {
				return nil, nil
			}
			return map[string]string{"status": "ok"}, nil
		},
	})
	require.NoError(t, err)
	e.AfterFunc(func(d time.Duration, f func()) poll.Timer {
		return time.AfterFunc(time.Hour, f)
	})
	e.Start(ctx)
	defer e.Stop(ctx)

	done, err := src.Completed(ctx)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.JSONEq(t, `{"status":"ok"}`, string(done["t1"]))
	assert.Nil(t, done["t2"])

	acks, err := src.Acks(ctx, "worker-2")
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, "Received STATUS: m1", acks[0].Text)
	assert.Equal(t, "worker-1", acks[0].Worker)
	assert.Equal(t, now, acks[0].At)

	tasks, messages, err = src.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, tasks)
	assert.Equal(t, 0, messages)

	var (
		owner, leasedBy string
		settledAt       int64
	)
	require.NoError(t, src.db.QueryRow(`SELECT claimed_by FROM poll_tasks WHERE id = 't1'`).Scan(&owner))
	require.NoError(t, src.db.QueryRow(`SELECT leased_by, settled_at FROM poll_messages WHERE id = 'm1'`).Scan(&leasedBy, &settledAt))
	assert.Equal(t, "worker-1", owner)
	assert.Equal(t, "worker-1", leasedBy)
	assert.Equal(t, now.UnixNano(), settledAt)
}

func TestDuplicateTask(t *testing.T) {
	src := newSQLiteSource(t)
	ctx := context.Background()
	_, err := src.EnqueueTask(ctx, poll.Task{ID: "t1"})
	require.NoError(t, err)
	_, err = src.EnqueueTask(ctx, poll.Task{ID: "t1"})
	assert.Error(t, err)
}

func TestClosedDatabase(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	src, err := New(context.Background(), db, SQLite)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	_, err = src.FetchTasks(context.Background())
	assert.ErrorContains(t, err, "query tasks")
}

func TestReleaseOtherWorker(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	src := newSQLiteSource(t)
	src.Now(func() time.Time { return now })
	ctx := poll.ContextWithWorker(context.Background(), "worker-1")
	_, err := src.SendMessage(ctx, poll.Message{ID: "m1", Source: "worker-2", Type: "STATUS"})
	require.NoError(t, err)

	messages, err := src.FetchMessages(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	other := poll.ContextWithWorker(context.Background(), "worker-3")
	require.NoError(t, src.Release(other, messages))
	messages, err = src.FetchMessages(other)
	require.NoError(t, err)
	assert.Empty(t, messages)

	var until int64
	require.NoError(t, src.db.QueryRow(`SELECT leased_until FROM poll_messages WHERE id = 'm1'`).Scan(&until))
	assert.Equal(t, now.Add(DefaultVisibility).UnixNano(), until)
}
