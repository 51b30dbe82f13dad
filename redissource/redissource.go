// Package redissource implements poll.Source on top of Redis.
//
// It uses the following keys, all under a common prefix:
//
//	<prefix>tasks         hash of pending task ID to JSON task
//	<prefix>claims        hash of task ID to the worker which claimed it
//	<prefix>completed     hash of task ID to JSON result
//	<prefix>messages      hash of unsettled message ID to JSON message
//	<prefix>queue         sorted set of message IDs scored by the unix
//	                      millisecond at which they become visible
//	<prefix>leases        hash of message ID to the worker leasing it
//	<prefix>acks:<target> list of JSON acknowledgements sent to target
package redissource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"git.sr.ht/~sircmpwn/dopoll"
)

// Stores a task unless its ID is pending, claimed or completed.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 or redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
	return 0
end
return redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
`)

// Leases up to ARGV[4] visible messages to a worker until ARGV[2].
var fetchScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[4])
if #ids == 0 then
	return {}
end
for _, id in ipairs(ids) do
	redis.call('ZADD', KEYS[1], ARGV[2], id)
	redis.call('HSET', KEYS[3], id, ARGV[3])
end
return redis.call('HMGET', KEYS[2], unpack(ids))
`)

// Makes messages leased by worker ARGV[1] visible again.
var releaseScript = redis.NewScript(`
local n = 0
for i = 2, #ARGV do
	if redis.call('HGET', KEYS[2], ARGV[i]) == ARGV[1] then
		redis.call('HDEL', KEYS[2], ARGV[i])
		redis.call('ZADD', KEYS[1], 'XX', 0, ARGV[i])
		n = n + 1
	end
end
return n
`)

// Claims a pending task unless it is claimed already.
var claimScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
return redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
`)

// Moves a pending task to the completed hash.
var completeScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return 1
`)

// Ack is an acknowledgement stored in a target's ack list.
type Ack struct {
	Text   string    `json:"text"`
	Worker string    `json:"worker"`
	At     time.Time `json:"at"`
}

type taskRecord struct {
	ID        string          `json:"id"`
	Priority  poll.Priority   `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type messageRecord struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  poll.Priority   `json:"priority,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Ensure Source implements poll.Source.
var (
	_ poll.Source        = (*Source)(nil)
	_ poll.Enqueuer      = (*Source)(nil)
	_ poll.MessageLeaser = (*Source)(nil)
)

// DefaultVisibility is how long a fetched message stays hidden from other
// fetches unless it is settled or released first.
const DefaultVisibility = 30 * time.Second

// Most messages leased by one fetch.
const fetchLimit = 1000

// Source implements poll.Source using Redis.
type Source struct {
	client     *redis.Client
	prefix     string
	now        func() time.Time
	visibility time.Duration
}

// Constructs a Redis-backed source. prefix is optional but recommended
// (e.g. "dopoll:").
func New(client *redis.Client, prefix string) *Source {
	if prefix == "" {
		prefix = "dopoll:"
	}
	return &Source{
		client: client,
		prefix: prefix,
		now: func() time.Time {
			return time.Now().UTC()
		},
		visibility: DefaultVisibility,
	}
}

// Sets the function the source will use to obtain the current time.
func (s *Source) Now(now func() time.Time) {
	s.now = now
}

// Sets how long fetched messages stay hidden. Non-positive values are
// ignored.
func (s *Source) Visibility(d time.Duration) {
	if d > 0 {
		s.visibility = d
	}
}

func (s *Source) key(name string) string {
	return s.prefix + name
}

func (s *Source) EnqueueTask(ctx context.Context, t poll.Task) (poll.Task, error) {
	if t.ID == "" {
		t.ID = poll.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	payload, err := encode(t.Payload)
	if err != nil {
		return poll.Task{}, fmt.Errorf("encode task payload: %w", err)
	}
	data, err := json.Marshal(taskRecord{
		ID:        t.ID,
		Priority:  t.Priority,
		Payload:   payload,
		CreatedAt: t.CreatedAt,
	})
	if err != nil {
		return poll.Task{}, fmt.Errorf("encode task: %w", err)
	}
	n, err := enqueueScript.Run(ctx, s.client,
		[]string{s.key("tasks"), s.key("claims"), s.key("completed")},
		t.ID, data).Int()
	if err != nil {
		return poll.Task{}, fmt.Errorf("store task: %w", err)
	}
	if n == 0 {
		return poll.Task{}, fmt.Errorf("store task: %s already exists", t.ID)
	}
	return t, nil
}

func (s *Source) SendMessage(ctx context.Context, m poll.Message) (poll.Message, error) {
	if m.ID == "" {
		m.ID = poll.NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	payload, err := encode(m.Payload)
	if err != nil {
		return poll.Message{}, fmt.Errorf("encode message payload: %w", err)
	}
	data, err := json.Marshal(messageRecord{
		ID:        m.ID,
		Source:    m.Source,
		Type:      m.Type,
		Payload:   payload,
		Priority:  m.Priority,
		Timestamp: m.Timestamp,
	})
	if err != nil {
		return poll.Message{}, fmt.Errorf("encode message: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("messages"), m.ID, data)
		pipe.ZAddNX(ctx, s.key("queue"), redis.Z{Score: 0, Member: m.ID})
		return nil
	})
	if err != nil {
		return poll.Message{}, fmt.Errorf("store message: %w", err)
	}
	return m, nil
}

// Returns unclaimed tasks, oldest first.
func (s *Source) FetchTasks(ctx context.Context) ([]poll.Task, error) {
	var (
		tasks  *redis.MapStringStringCmd
		claims *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		tasks = pipe.HGetAll(ctx, s.key("tasks"))
		claims = pipe.HKeys(ctx, s.key("claims"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}

	claimed := make(map[string]bool)
	for _, id := range claims.Val() {
		claimed[id] = true
	}

	var pending []poll.Task
	for id, data := range tasks.Val() {
		if claimed[id] {
			continue
		}
		var rec taskRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		t := poll.Task{ID: rec.ID, Priority: rec.Priority, CreatedAt: rec.CreatedAt}
		if len(rec.Payload) > 0 {
			t.Payload = rec.Payload
		}
		pending = append(pending, t)
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

// Returns visible messages, oldest first, and leases them to the worker
// carried by ctx.
func (s *Source) FetchMessages(ctx context.Context) ([]poll.Message, error) {
	now := s.now()
	items, err := fetchScript.Run(ctx, s.client,
		[]string{s.key("queue"), s.key("messages"), s.key("leases")},
		now.UnixMilli(), now.Add(s.visibility).UnixMilli(),
		poll.WorkerFromContext(ctx), fetchLimit).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lease messages: %w", err)
	}

	var messages []poll.Message
	for _, item := range items {
		// Queued ID with no stored message
		data, ok := item.(string)
		if !ok {
			continue
		}
		var rec messageRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m := poll.Message{
			ID:        rec.ID,
			Source:    rec.Source,
			Type:      rec.Type,
			Priority:  rec.Priority,
			Timestamp: rec.Timestamp,
		}
		if len(rec.Payload) > 0 {
			m.Payload = rec.Payload
		}
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		}
		return messages[i].ID < messages[j].ID
	})
	return messages, nil
}

// Deletes a handled message.
func (s *Source) Settle(ctx context.Context, m poll.Message) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.key("queue"), m.ID)
		pipe.HDel(ctx, s.key("messages"), m.ID)
		pipe.HDel(ctx, s.key("leases"), m.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle message %s: %w", m.ID, err)
	}
	return nil
}

// Drops the leases the worker carried by ctx holds on messages.
func (s *Source) Release(ctx context.Context, messages []poll.Message) error {
	if len(messages) == 0 {
		return nil
	}
	args := make([]any, 0, len(messages)+1)
	args = append(args, poll.WorkerFromContext(ctx))
	for _, m := range messages {
		args = append(args, m.ID)
	}
	err := releaseScript.Run(ctx, s.client,
		[]string{s.key("queue"), s.key("leases")}, args...).Err()
	if err != nil {
		return fmt.Errorf("release messages: %w", err)
	}
	return nil
}

// Claims a task for the worker carried by ctx.
func (s *Source) Claim(ctx context.Context, taskID string) (bool, error) {
	n, err := claimScript.Run(ctx, s.client,
		[]string{s.key("tasks"), s.key("claims")},
		taskID, poll.WorkerFromContext(ctx)).Int()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	return n == 1, nil
}

func (s *Source) Complete(ctx context.Context, taskID string, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", taskID, err)
	}
	n, err := completeScript.Run(ctx, s.client,
		[]string{s.key("tasks"), s.key("claims"), s.key("completed")},
		taskID, poll.WorkerFromContext(ctx), encoded).Int()
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if n == 0 {
		return poll.ErrTaskNotFound
	}
	return nil
}

func (s *Source) Acknowledge(ctx context.Context, target, text string) error {
	data, err := json.Marshal(Ack{Text: text, Worker: poll.WorkerFromContext(ctx), At: s.now()})
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	if err := s.client.RPush(ctx, s.key("acks:"+target), data).Err(); err != nil {
		return fmt.Errorf("push ack: %w", err)
	}
	return nil
}

// Returns the JSON results of completed tasks by ID.
func (s *Source) Completed(ctx context.Context) (map[string]json.RawMessage, error) {
	all, err := s.client.HGetAll(ctx, s.key("completed")).Result()
	if err != nil {
		return nil, fmt.Errorf("read completed tasks: %w", err)
	}
	done := make(map[string]json.RawMessage, len(all))
	for id, result := range all {
		done[id] = json.RawMessage(result)
	}
	return done, nil
}

// Returns the acknowledgements sent to target, oldest first.
func (s *Source) Acks(ctx context.Context, target string) ([]Ack, error) {
	items, err := s.client.LRange(ctx, s.key("acks:"+target), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read acks: %w", err)
	}
	acks := make([]Ack, 0, len(items))
	for _, data := range items {
		var a Ack
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("decode ack: %w", err)
		}
		acks = append(acks, a)
	}
	return acks, nil
}

// Returns the number of unclaimed tasks and unsettled messages.
func (s *Source) Pending(ctx context.Context) (tasks, messages int, err error) {
	pending, err := s.FetchTasks(ctx)
	if err != nil {
		return 0, 0, err
	}
	n, err := s.client.ZCard(ctx, s.key("queue")).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return len(pending), int(n), nil
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
