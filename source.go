package poll

import "context"

type workerKey struct{}

// Returns a copy of ctx carrying a worker identity. The engine attaches its
// WorkerID to the context of every hook and source call.
func ContextWithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey{}, workerID)
}

// Returns the worker identity carried by ctx, or "" if there is none.
// Sources use it to record which worker claimed a task.
func WorkerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workerKey{}).(string)
	return id
}

// Source is the system of record for tasks and messages. The engine only
// reads from it and reports progress back; storage and delivery belong to
// the implementation.
//
// Claim must be an atomic test-and-set: when several engines share a
// source, at most one Claim call for a given task may return true.
//
// A message stays with the source until it has been handled. A source which
// returns the same message again is acknowledged again; sources which want
// to avoid that implement MessageLeaser.
type Source interface {
	FetchTasks(ctx context.Context) ([]Task, error)
	FetchMessages(ctx context.Context) ([]Message, error)
	Claim(ctx context.Context, taskID string) (bool, error)
	Complete(ctx context.Context, taskID string, result any) error
	Acknowledge(ctx context.Context, target, text string) error
}

// Enqueuer is implemented by sources which accept new work. Empty IDs are
// filled with NewID and zero timestamps with the current time; the stored
// value is returned.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, t Task) (Task, error)
	SendMessage(ctx context.Context, m Message) (Message, error)
}

// MessageLeaser is implemented by sources which hide fetched messages for a
// while instead of removing them. The engine settles each message once its
// acknowledgement has been sent, and releases the messages of a cycle it
// abandons because the fetch failed. A message which is neither settled nor
// released becomes visible again when its lease runs out.
type MessageLeaser interface {
	Settle(ctx context.Context, m Message) error
	Release(ctx context.Context, messages []Message) error
}
