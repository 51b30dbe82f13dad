package observe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~sircmpwn/dopoll"
	"git.sr.ht/~sircmpwn/dopoll/memsource"
)

type heldTimer struct{}

func (heldTimer) Stop() bool { return true }

// Returns an engine whose timer never fires, so cycles only run on Start
// and Poll.
func newEngine(t *testing.T, src poll.Source, hooks poll.Hooks) *poll.Engine {
	t.Helper()
	e, err := poll.New(poll.Config{
		WorkerID:      "worker-1",
		BaseInterval:  time.Second,
		MaxInterval:   4 * time.Second,
		BackoffFactor: 2,
	}, src, hooks)
	require.NoError(t, err)
	e.AfterFunc(func(d time.Duration, f func()) poll.Timer {
		return heldTimer{}
	})
	return e
}

var errBad = errors.New("bad task")

func handler() poll.Hooks {
	return poll.Hooks{
		Handle: func(ctx context.Context, t poll.Task) (any, error) {
			if t.ID == "bad" {
				return nil, errBad
			}
			return "ok", nil
		},
	}
}

func seed(t *testing.T, src *memsource.Source) {
	t.Helper()
	ctx := context.TODO()
	_, err := src.EnqueueTask(ctx, poll.Task{ID: "good", Priority: poll.PrioritySprint})
	require.NoError(t, err)
	_, err = src.EnqueueTask(ctx, poll.Task{ID: "bad", Priority: poll.PriorityBacklog})
	require.NoError(t, err)
	_, err = src.SendMessage(ctx, poll.Message{ID: "m1", Source: "worker-2", Type: "PING"})
	require.NoError(t, err)
}

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	src := memsource.New()
	seed(t, src)
	e := newEngine(t, src, poll.Chain(Logging(logger), handler()))
	e.Start(context.TODO())
	e.Poll(context.TODO())
	e.Stop(context.TODO())

	entries := decode(t, &buf)
	var msgs []string
	for _, entry := range entries {
		msgs = append(msgs, entry["msg"].(string))
		assert.Equal(t, "worker-1", entry["worker_id"])
	}
	assert.Equal(t, []string{
		"worker booted",
		"work found",
		"task started",
		"task completed",
		"task started",
		"poll failure",
		"no work found",
		"worker shut down",
	}, msgs)

	work := entries[1]
	assert.Equal(t, "DEBUG", work["level"])
	assert.Equal(t, float64(2), work["tasks"])
	assert.Equal(t, float64(1), work["messages"])

	done := entries[3]
	assert.Equal(t, "INFO", done["level"])
	assert.Equal(t, "good", done["task_id"])
	assert.Equal(t, "sprint", done["priority"])

	failure := entries[5]
	assert.Equal(t, "ERROR", failure["level"])
	assert.Equal(t, "bad", failure["task_id"])
	assert.Equal(t, "work", failure["phase"])
	assert.Equal(t, "bad task", failure["error"])
	assert.NotContains(t, failure, "fetch")
}

func TestLoggingLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	e := newEngine(t, memsource.New(), Logging(logger))
	e.Start(context.TODO())
	e.Poll(context.TODO())

	entries := decode(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker booted", entries[0]["msg"])
}

type brokenSource struct {
	*memsource.Source
}

func (brokenSource) FetchMessages(ctx context.Context) ([]poll.Message, error) {
	return nil, errors.New("connection refused")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	src := memsource.New()
	seed(t, src)
	e := newEngine(t, src, poll.Chain(m.Hooks(), handler()))
	e.Start(context.TODO())
	e.Poll(context.TODO())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles.WithLabelValues("work")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles.WithLabelValues("idle")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.cycles.WithLabelValues("fetch_error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.tasks.WithLabelValues("started")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tasks.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messages))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("work")))

	broken := newEngine(t, brokenSource{memsource.New()}, m.Hooks())
	broken.Start(context.TODO())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles.WithLabelValues("fetch_error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("boot")))
}

func TestMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	e := newEngine(t, memsource.New(), m.Hooks())
	require.NoError(t, m.Watch(e))
	assert.Error(t, m.Watch(e))

	e.Start(context.TODO())
	expected := `
# HELP dopoll_interval_seconds Delay before the next poll cycle.
# TYPE dopoll_interval_seconds gauge
dopoll_interval_seconds{worker_id="worker-1"} 2
# HELP dopoll_running Whether the engine is running.
# TYPE dopoll_running gauge
dopoll_running{worker_id="worker-1"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"dopoll_interval_seconds", "dopoll_running"))

	e.Stop(context.TODO())
	expected = `
# HELP dopoll_running Whether the engine is running.
# TYPE dopoll_running gauge
dopoll_running{worker_id="worker-1"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"dopoll_running"))
}
