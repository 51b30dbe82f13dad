package poll

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// Returned by Source.Complete when the task is not known to the source.
	ErrTaskNotFound = errors.New("task not found")
)

// Priority ranks a task. Lower ranks are serviced first.
type Priority string

const (
	PriorityInterrupt Priority = "interrupt"
	PrioritySprint    Priority = "sprint"
	PriorityParallel  Priority = "parallel"
	PriorityQueue     Priority = "queue"
	PriorityBacklog   Priority = "backlog"
)

var priorities = []Priority{
	PriorityInterrupt,
	PrioritySprint,
	PriorityParallel,
	PriorityQueue,
	PriorityBacklog,
}

// Returns the rank of this priority, from 0 (interrupt) to 4 (backlog).
// Unrecognized priorities rank after every known one.
func (p Priority) Rank() int {
	for i, known := range priorities {
		if p == known {
			return i
		}
	}
	return len(priorities)
}

// Returns true if p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Rank() < len(priorities)
}

// A unit of work offered by a Source. The engine holds a task only for the
// duration of one poll cycle.
type Task struct {
	ID        string    `json:"id"`
	Priority  Priority  `json:"priority"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// A notification offered by a Source. Messages are not triaged and are
// acknowledged to their Source identity once per appearance.
type Message struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Priority  Priority  `json:"priority,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Returns the acknowledgement text sent back for a message.
func AckText(m Message) string {
	return fmt.Sprintf("Received %s: %s", m.Type, m.ID)
}

// Generates a new sortable identifier for tasks and messages.
func NewID() string {
	return ulid.Make().String()
}
