// Package mongosource implements poll.Source on top of MongoDB.
//
// Collection schema:
//
//	tasks:    { _id, priority, payload, created_at, claimed_by, claimed_at, completed_at, result }
//	messages: { _id, source, type, payload, priority, timestamp, settled, settled_at, leased_by, leased_until }
//	acks:     { target, text, worker, at }
//
// Payloads and results are stored as JSON text.
package mongosource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"git.sr.ht/~sircmpwn/dopoll"
)

// Ack is a stored acknowledgement.
type Ack struct {
	Target string    `bson:"target"`
	Text   string    `bson:"text"`
	Worker string    `bson:"worker"`
	At     time.Time `bson:"at"`
}

type taskDoc struct {
	ID          string        `bson:"_id"`
	Priority    poll.Priority `bson:"priority"`
	Payload     string        `bson:"payload,omitempty"`
	CreatedAt   time.Time     `bson:"created_at"`
	ClaimedBy   string        `bson:"claimed_by,omitempty"`
	ClaimedAt   *time.Time    `bson:"claimed_at,omitempty"`
	CompletedAt *time.Time    `bson:"completed_at,omitempty"`
	Result      *string       `bson:"result,omitempty"`
}

type messageDoc struct {
	ID          string        `bson:"_id"`
	Source      string        `bson:"source"`
	Type        string        `bson:"type"`
	Payload     string        `bson:"payload,omitempty"`
	Priority    poll.Priority `bson:"priority,omitempty"`
	Timestamp   time.Time     `bson:"timestamp"`
	Settled     bool          `bson:"settled"`
	SettledAt   *time.Time    `bson:"settled_at,omitempty"`
	LeasedBy    string        `bson:"leased_by,omitempty"`
	LeasedUntil *time.Time    `bson:"leased_until,omitempty"`
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

// Source implements poll.Source using MongoDB.
type Source struct {
	tasks      *mongo.Collection
	messages   *mongo.Collection
	acks       *mongo.Collection
	now        func() time.Time
	visibility time.Duration
}

// Constructs a Mongo-backed source and ensures its indexes exist. dbName
// defaults to "dopoll".
func New(ctx context.Context, client *mongo.Client, dbName string) (*Source, error) {
	if dbName == "" {
		dbName = "dopoll"
	}
	db := client.Database(dbName)
	s := &Source{
		tasks:    db.Collection("tasks"),
		messages: db.Collection("messages"),
		acks:     db.Collection("acks"),
		now: func() time.Time {
			return time.Now().UTC()
		},
		visibility: DefaultVisibility,
	}

	_, err := s.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "claimed_by", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create task index: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "settled", Value: 1}, {Key: "leased_until", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create message index: %w", err)
	}
	_, err = s.acks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "target", Value: 1}, {Key: "at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create ack index: %w", err)
	}
	return s, nil
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
	_, err = s.tasks.InsertOne(ctx, taskDoc{
		ID:        t.ID,
		Priority:  t.Priority,
		Payload:   payload,
		CreatedAt: t.CreatedAt,
	})
	if err != nil {
		return poll.Task{}, fmt.Errorf("insert task: %w", err)
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
	_, err = s.messages.InsertOne(ctx, messageDoc{
		ID:        m.ID,
		Source:    m.Source,
		Type:      m.Type,
		Payload:   payload,
		Priority:  m.Priority,
		Timestamp: m.Timestamp,
	})
	if err != nil {
		return poll.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// Returns unclaimed tasks, oldest first.
func (s *Source) FetchTasks(ctx context.Context) ([]poll.Task, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.tasks.Find(ctx, bson.M{
		"claimed_by":   bson.M{"$exists": false},
		"completed_at": bson.M{"$exists": false},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}

	tasks := make([]poll.Task, 0, len(docs))
	for _, doc := range docs {
		t := poll.Task{ID: doc.ID, Priority: doc.Priority, CreatedAt: doc.CreatedAt}
		if doc.Payload != "" {
			t.Payload = json.RawMessage(doc.Payload)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Leases every visible message to the calling worker and returns them,
// oldest first. Each message is taken with its own FindOneAndUpdate, so
// concurrent callers never lease the same message. If a take fails, the
// messages already taken are released before the error is returned.
func (s *Source) FetchMessages(ctx context.Context) ([]poll.Message, error) {
	worker := poll.WorkerFromContext(ctx)
	now := s.now()
	until := now.Add(s.visibility)
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

	var (
		messages []poll.Message
		taken    = bson.A{}
	)
	for {
		var doc messageDoc
		err := s.messages.FindOneAndUpdate(ctx,
			bson.M{
				"_id":     bson.M{"$nin": taken},
				"settled": false,
				"$or": bson.A{
					bson.M{"leased_until": nil},
					bson.M{"leased_until": bson.M{"$lte": now}},
				},
			},
			bson.M{"$set": bson.M{
				"leased_by":    worker,
				"leased_until": until,
			}},
			opts,
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return messages, nil
		}
		if err != nil {
			if len(messages) > 0 {
				_ = s.Release(context.WithoutCancel(ctx), messages)
			}
			return nil, fmt.Errorf("take message: %w", err)
		}

		m := poll.Message{
			ID:        doc.ID,
			Source:    doc.Source,
			Type:      doc.Type,
			Priority:  doc.Priority,
			Timestamp: doc.Timestamp,
		}
		if doc.Payload != "" {
			m.Payload = json.RawMessage(doc.Payload)
		}
		messages = append(messages, m)
		taken = append(taken, doc.ID)
	}
}

// Marks a message handled so it is never fetched again.
func (s *Source) Settle(ctx context.Context, m poll.Message) error {
	_, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": m.ID, "settled": false},
		bson.M{"$set": bson.M{"settled": true, "settled_at": s.now()}},
	)
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
	ids := make(bson.A, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	_, err := s.messages.UpdateMany(ctx,
		bson.M{
			"_id":       bson.M{"$in": ids},
			"leased_by": poll.WorkerFromContext(ctx),
			"settled":   false,
		},
		bson.M{"$unset": bson.M{"leased_by": "", "leased_until": ""}},
	)
	if err != nil {
		return fmt.Errorf("release messages: %w", err)
	}
	return nil
}

// Claims a task for the worker carried by ctx.
func (s *Source) Claim(ctx context.Context, taskID string) (bool, error) {
	res, err := s.tasks.UpdateOne(ctx,
		bson.M{"_id": taskID, "claimed_by": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"claimed_by": poll.WorkerFromContext(ctx),
			"claimed_at": s.now(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Source) Complete(ctx context.Context, taskID string, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", taskID, err)
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "completed_at", Value: s.now()},
		{Key: "result", Value: bson.D{{Key: "$literal", Value: string(encoded)}}},
		{Key: "claimed_by", Value: bson.D{{Key: "$ifNull", Value: bson.A{
			"$claimed_by", poll.WorkerFromContext(ctx),
		}}}},
	}}}}
	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID}, update)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if res.MatchedCount == 0 {
		return poll.ErrTaskNotFound
	}
	return nil
}

func (s *Source) Acknowledge(ctx context.Context, target, text string) error {
	_, err := s.acks.InsertOne(ctx, Ack{
		Target: target,
		Text:   text,
		Worker: poll.WorkerFromContext(ctx),
		At:     s.now(),
	})
	if err != nil {
		return fmt.Errorf("insert ack: %w", err)
	}
	return nil
}

// Returns the JSON results of completed tasks by ID.
func (s *Source) Completed(ctx context.Context) (map[string]json.RawMessage, error) {
	cur, err := s.tasks.Find(ctx, bson.M{"completed_at": bson.M{"$exists": true}})
	if err != nil {
		return nil, fmt.Errorf("find completed tasks: %w", err)
	}
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode completed tasks: %w", err)
	}
	done := make(map[string]json.RawMessage, len(docs))
	for _, doc := range docs {
		if doc.Result != nil {
			done[doc.ID] = json.RawMessage(*doc.Result)
		} else {
			done[doc.ID] = nil
		}
	}
	return done, nil
}

// Returns the acknowledgements sent to target, oldest first.
func (s *Source) Acks(ctx context.Context, target string) ([]Ack, error) {
	cur, err := s.acks.Find(ctx, bson.M{"target": target},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find acks: %w", err)
	}
	acks := []Ack{}
	if err := cur.All(ctx, &acks); err != nil {
		return nil, fmt.Errorf("decode acks: %w", err)
	}
	return acks, nil
}

// Returns the number of unclaimed tasks and unsettled messages.
func (s *Source) Pending(ctx context.Context) (tasks, messages int, err error) {
	nt, err := s.tasks.CountDocuments(ctx, bson.M{
		"claimed_by":   bson.M{"$exists": false},
		"completed_at": bson.M{"$exists": false},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	nm, err := s.messages.CountDocuments(ctx, bson.M{"settled": false})
	if err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return int(nt), int(nm), nil
}

func encode(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
