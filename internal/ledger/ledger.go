// Package ledger provides the durable, ordered audit trail of refinement
// tasks and their iterations. All writes for one task are serialized by the
// orchestrator's lease; the ledger only guarantees that an appended iteration
// and the matching task-state bump are visible together or not at all.
package ledger

import (
	"context"
	"errors"

	"github.com/promptforge/promptforge/internal/task"
)

var (
	// ErrConflict means a task with that ID already exists.
	ErrConflict = errors.New("task already exists")
	// ErrNotFound means no task row matches the given ID.
	ErrNotFound = errors.New("task not found")
	// ErrSequenceViolation means an append or state write arrived out of
	// order, e.g. against a terminal task. It signals a bug in the caller and
	// never surfaces to API clients.
	ErrSequenceViolation = errors.New("iteration sequence violation")
)

// StateUpdate describes a task mutation. Nil pointer fields leave the column
// untouched; Metadata replaces the stored metadata when non-nil. Every update
// touches updated_at explicitly.
type StateUpdate struct {
	Status         task.Status
	CurrentPrompt  *string
	CurrentScore   *float64
	IterationCount *int
	Metadata       map[string]any
}

type Ledger interface {
	// CreateTask persists a new task in pending state, ErrConflict on
	// duplicate ID.
	CreateTask(ctx context.Context, t *task.Task) error
	// GetTask returns the task or ErrNotFound.
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	// ListIterations returns the task's iteration records ordered by
	// sequence number, ErrNotFound if the task does not exist.
	ListIterations(ctx context.Context, taskID string) ([]task.Iteration, error)
	// AppendIteration atomically inserts the next iteration record and bumps
	// current_prompt/current_score/iteration_count on the task row.
	// ErrSequenceViolation if the task is not in running state.
	AppendIteration(ctx context.Context, taskID, prompt string, score float64, feedback task.Feedback) (*task.Iteration, error)
	// UpdateTaskState applies upd to the task row. ErrSequenceViolation when
	// trying to move a task out of a terminal status.
	UpdateTaskState(ctx context.Context, taskID string, upd StateUpdate) error
	// CountByStatus returns how many tasks are in each status.
	CountByStatus(ctx context.Context) (map[task.Status]int, error)
	Close() error
}
