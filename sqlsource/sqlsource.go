// Package sqlsource implements poll.Source on top of database/sql, for
// SQLite and PostgreSQL.
//
// Tasks, messages and acknowledgements live in the poll_tasks, poll_messages
// and poll_acks tables, which New creates if they are missing. Claims are a
// conditional UPDATE on poll_tasks.claimed_by, so any number of workers may
// share one database. Fetched messages are leased through
// poll_messages.leased_until and stay in the table, marked settled, once
// they have been acknowledged.
package sqlsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"git.sr.ht/~sircmpwn/dopoll"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS poll_tasks (
    id           TEXT PRIMARY KEY,
    priority     TEXT NOT NULL,
    payload      TEXT,
    created_at   BIGINT NOT NULL,
    claimed_by   TEXT,
    claimed_at   BIGINT,
    completed_at BIGINT,
    result       TEXT
)`, `
CREATE INDEX IF NOT EXISTS poll_tasks_pending ON poll_tasks (claimed_by, created_at)`, `
CREATE TABLE IF NOT EXISTS poll_messages (
    id           TEXT PRIMARY KEY,
    source       TEXT NOT NULL,
    type         TEXT NOT NULL,
    payload      TEXT,
    priority     TEXT NOT NULL DEFAULT '',
    sent_at      BIGINT NOT NULL,
    leased_by    TEXT,
    leased_until BIGINT,
    settled_at   BIGINT
)`, `
CREATE INDEX IF NOT EXISTS poll_messages_visible ON poll_messages (settled_at, leased_until)`, `
CREATE TABLE IF NOT EXISTS poll_acks (
    target   TEXT NOT NULL,
    text     TEXT NOT NULL,
    worker   TEXT NOT NULL,
    acked_at BIGINT NOT NULL
)`,
}

// Ack is an acknowledgement stored in poll_acks.
type Ack struct {
	Target string
	Text   string
	Worker string
	At     time.Time
}

// Compile-time interface satisfaction check.
var (
	_ poll.Source        = (*Source)(nil)
	_ poll.Enqueuer      = (*Source)(nil)
	_ poll.MessageLeaser = (*Source)(nil)
)

// DefaultVisibility is how long a fetched message stays hidden from other
// fetches unless it is settled or released first.
const DefaultVisibility = 30 * time.Second

// Source implements poll.Source using a SQL database.
type Source struct {
	db         *sql.DB
	dialect    Dialect
	now        func() time.Time
	visibility time.Duration
}

// Creates a source on db and runs migrations.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Source, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate %s schema: %w", dialect, err)
		}
	}
	return &Source{
		db:      db,
		dialect: dialect,
		now: func() time.Time {
			return time.Now().UTC()
		},
		visibility: DefaultVisibility,
	}, nil
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

// Closes the underlying database connection.
func (s *Source) Close() error {
	return s.db.Close()
}

func (s *Source) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
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
	_, err = s.exec(ctx,
		`INSERT INTO poll_tasks (id, priority, payload, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, string(t.Priority), payload, t.CreatedAt.UnixNano())
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
	_, err = s.exec(ctx,
		`INSERT INTO poll_messages (id, source, type, payload, priority, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Source, m.Type, payload, string(m.Priority), m.Timestamp.UnixNano())
	if err != nil {
		return poll.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// Returns unclaimed tasks, oldest first.
func (s *Source) FetchTasks(ctx context.Context) ([]poll.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, priority, payload, created_at
		FROM poll_tasks
		WHERE claimed_by IS NULL AND completed_at IS NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []poll.Task
	for rows.Next() {
		var (
			t         poll.Task
			priority  string
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &priority, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Priority = poll.Priority(priority)
		t.Payload = decode(payload)
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Returns visible messages, oldest first, and leases them to the worker
// carried by ctx in the same transaction.
func (s *Source) FetchMessages(ctx context.Context) ([]poll.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixNano()
	rows, err := tx.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, source, type, payload, priority, sent_at
		FROM poll_messages
		WHERE settled_at IS NULL AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY sent_at, id
		`+s.dialect.skipLocked()), now)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	var messages []poll.Message
	for rows.Next() {
		var (
			m        poll.Message
			payload  sql.NullString
			priority string
			sentAt   int64
		)
		if err := rows.Scan(&m.ID, &m.Source, &m.Type, &payload, &priority, &sentAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Payload = decode(payload)
		m.Priority = poll.Priority(priority)
		m.Timestamp = time.Unix(0, sentAt).UTC()
		messages = append(messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	worker := poll.WorkerFromContext(ctx)
	until := now + s.visibility.Nanoseconds()
	leased := messages[:0]
	for _, m := range messages {
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE poll_messages SET leased_by = ?, leased_until = ?
			WHERE id = ? AND settled_at IS NULL
			AND (leased_until IS NULL OR leased_until <= ?)`), worker, until, m.ID, now)
		if err != nil {
			return nil, fmt.Errorf("lease message %s: %w", m.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			leased = append(leased, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return leased, nil
}

// Marks a message handled so it is never fetched again.
func (s *Source) Settle(ctx context.Context, m poll.Message) error {
	_, err := s.exec(ctx,
		`UPDATE poll_messages SET settled_at = ? WHERE id = ? AND settled_at IS NULL`,
		s.now().UnixNano(), m.ID)
	if err != nil {
		return fmt.Errorf("settle message %s: %w", m.ID, err)
	}
	return nil
}

// Drops the leases the worker carried by ctx holds on messages.
func (s *Source) Release(ctx context.Context, messages []poll.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	worker := poll.WorkerFromContext(ctx)
	for _, m := range messages {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE poll_messages SET leased_by = NULL, leased_until = NULL
			WHERE id = ? AND leased_by = ? AND settled_at IS NULL`), m.ID, worker)
		if err != nil {
			return fmt.Errorf("release message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Claims a task for the worker carried by ctx. Only one UPDATE can move
// claimed_by away from NULL.
func (s *Source) Claim(ctx context.Context, taskID string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE poll_tasks SET claimed_by = ?, claimed_at = ?
		WHERE id = ? AND claimed_by IS NULL AND completed_at IS NULL`,
		poll.WorkerFromContext(ctx), s.now().UnixNano(), taskID)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	return n == 1, nil
}

func (s *Source) Complete(ctx context.Context, taskID string, result any) error {
	encoded, err := encode(result)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", taskID, err)
	}
	res, err := s.exec(ctx, `
		UPDATE poll_tasks
		SET completed_at = ?, result = ?, claimed_by = COALESCE(claimed_by, ?)
		WHERE id = ?`,
		s.now().UnixNano(), encoded, poll.WorkerFromContext(ctx), taskID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if n == 0 {
		return poll.ErrTaskNotFound
	}
	return nil
}

func (s *Source) Acknowledge(ctx context.Context, target, text string) error {
	_, err := s.exec(ctx,
		`INSERT INTO poll_acks (target, text, worker, acked_at) VALUES (?, ?, ?, ?)`,
		target, text, poll.WorkerFromContext(ctx), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert ack: %w", err)
	}
	return nil
}

// Returns the JSON results of completed tasks by ID.
func (s *Source) Completed(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, result FROM poll_tasks WHERE completed_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query completed tasks: %w", err)
	}
	defer rows.Close()

	done := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			id     string
			result sql.NullString
		)
		if err := rows.Scan(&id, &result); err != nil {
			return nil, fmt.Errorf("scan completed task: %w", err)
		}
		if result.Valid {
			done[id] = json.RawMessage(result.String)
		} else {
			done[id] = nil
		}
	}
	return done, rows.Err()
}

// Returns the acknowledgements sent to target, oldest first.
func (s *Source) Acks(ctx context.Context, target string) ([]Ack, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT target, text, worker, acked_at FROM poll_acks
		WHERE target = ? ORDER BY acked_at`), target)
	if err != nil {
		return nil, fmt.Errorf("query acks: %w", err)
	}
	defer rows.Close()

	var acks []Ack
	for rows.Next() {
		var (
			a  Ack
			at int64
		)
		if err := rows.Scan(&a.Target, &a.Text, &a.Worker, &at); err != nil {
			return nil, fmt.Errorf("scan ack: %w", err)
		}
		a.At = time.Unix(0, at).UTC()
		acks = append(acks, a)
	}
	return acks, rows.Err()
}

// Returns the number of unclaimed tasks and unsettled messages.
func (s *Source) Pending(ctx context.Context) (tasks, messages int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM poll_tasks WHERE claimed_by IS NULL AND completed_at IS NULL`).Scan(&tasks)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM poll_messages WHERE settled_at IS NULL`).Scan(&messages)
	if err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return tasks, messages, nil
}

// Payloads and results are stored as JSON text.
func encode(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decode(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}
