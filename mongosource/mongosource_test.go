package mongosource

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"git.sr.ht/~sircmpwn/dopoll"
	"git.sr.ht/~sircmpwn/dopoll/internal/testutil"
)

var databases atomic.Int64

func newClient(t *testing.T) *mongo.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.MongoURI(t)))
	require.NoError(t, err, "mongo.Connect failed")
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	require.NoError(t, client.Ping(ctx, nil))
	return client
}

// Each source gets a fresh database which is dropped when the test ends.
func newSource(t *testing.T, client *mongo.Client) *Source {
	t.Helper()
	name := fmt.Sprintf("dopoll_test_%d", databases.Add(1))
	t.Cleanup(func() {
		_ = client.Database(name).Drop(context.Background())
	})
	src, err := New(context.Background(), client, name)
	require.NoError(t, err)
	return src
}

func TestMongoSuite(t *testing.T) {
	client := newClient(t)
	suite.Run(t, &testutil.SourceSuite{
		New: func(t *testing.T) testutil.Source {
			return newSource(t, client)
		},
	})
}

func TestMongo(t *testing.T) {
	client := newClient(t)
	ctx := poll.ContextWithWorker(context.Background(), "worker-1")

	t.Run("ordered by creation", func(t *testing.T) {
		src := newSource(t, client)
		now := time.Now().UTC()
		for i, id := range []string{"b", "a", "c"} {
			_, err := src.EnqueueTask(ctx, poll.Task{
				ID:        id,
				Priority:  poll.PriorityQueue,
				CreatedAt: now.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}
		tasks, err := src.FetchTasks(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, "b", tasks[0].ID)
		assert.Equal(t, "a", tasks[1].ID)
		assert.Equal(t, "c", tasks[2].ID)
	})

	t.Run("duplicate task", func(t *testing.T) {
		src := newSource(t, client)
		_, err := src.EnqueueTask(ctx, poll.Task{ID: "t1"})
		require.NoError(t, err)
		_, err = src.EnqueueTask(ctx, poll.Task{ID: "t1"})
		require.Error(t, err)
		assert.True(t, mongo.IsDuplicateKeyError(err))
	})

	t.Run("complete without claim", func(t *testing.T) {
		src := newSource(t, client)
		_, err := src.EnqueueTask(ctx, poll.Task{ID: "t1"})
		require.NoError(t, err)
		require.NoError(t, src.Complete(ctx, "t1", "$not-a-field"))

		done, err := src.Completed(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `"$not-a-field"`, string(done["t1"]))

		ok, err := src.Claim(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("acks", func(t *testing.T) {
		src := newSource(t, client)
		at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		src.Now(func() time.Time { return at })

		require.NoError(t, src.Acknowledge(ctx, "worker-2", "Received PING: m1"))
		require.NoError(t, src.Acknowledge(ctx, "worker-3", "Received STATUS: m2"))

		acks, err := src.Acks(ctx, "worker-2")
		require.NoError(t, err)
		require.Len(t, acks, 1)
		assert.Equal(t, "Received PING: m1", acks[0].Text)
		assert.Equal(t, "worker-1", acks[0].Worker)
		assert.True(t, at.Equal(acks[0].At))
	})

	t.Run("failed take releases earlier messages", func(t *testing.T) {
		src := newSource(t, client)
		for _, id := range []string{"m1", "m2"} {
			_, err := src.SendMessage(ctx, poll.Message{ID: id, Source: "worker-2", Type: "STATUS"})
			require.NoError(t, err)
		}

		failPoint := func(mode any) {
			err := client.Database("admin").RunCommand(ctx, bson.D{
				{Key: "configureFailPoint", Value: "failCommand"},
				{Key: "mode", Value: mode},
				{Key: "data", Value: bson.D{
					{Key: "failCommands", Value: bson.A{"findAndModify"}},
					{Key: "errorCode", Value: 2},
				}},
			}).Err()
			require.NoError(t, err)
		}
		// The first take succeeds, every later one fails
		failPoint(bson.D{{Key: "skip", Value: 1}})
		messages, err := src.FetchMessages(ctx)
		failPoint("off")
		assert.ErrorContains(t, err, "take message")
		assert.Nil(t, messages)

		messages, err = src.FetchMessages(ctx)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "m1", messages[0].ID)
		assert.Equal(t, "m2", messages[1].ID)
	})

	t.Run("pending", func(t *testing.T) {
		src := newSource(t, client)
		_, err := src.EnqueueTask(ctx, poll.Task{ID: "t1"})
		require.NoError(t, err)
		_, err = src.EnqueueTask(ctx, poll.Task{ID: "t2"})
		require.NoError(t, err)
		_, err = src.SendMessage(ctx, poll.Message{Source: "worker-2", Type: "PING"})
		require.NoError(t, err)
		ok, err := src.Claim(ctx, "t2")
		require.NoError(t, err)
		require.True(t, ok)

		tasks, messages, err := src.Pending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, tasks)
		assert.Equal(t, 1, messages)
	})
}
