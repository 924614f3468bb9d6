package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/promptforge/promptforge/internal/task"
)

// MockLedger is an in-memory Ledger for tests. It enforces the same
// conflict, not-found, and sequence rules as the Postgres implementation and
// records call counts for assertions.
type MockLedger struct {
	mu         sync.Mutex
	Tasks      map[string]*task.Task
	Iterations map[string][]task.Iteration

	CreateTaskCalls      int
	GetTaskCalls         int
	ListIterationsCalls  int
	AppendIterationCalls int
	UpdateStateCalls     int

	CreateTaskError      error
	GetTaskError         error
	AppendIterationError error
	UpdateStateError     error
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		Tasks:      make(map[string]*task.Task),
		Iterations: make(map[string][]task.Iteration),
	}
}

func (m *MockLedger) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateTaskCalls++
	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}
	if _, exists := m.Tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrConflict)
	}

	clone := *t
	m.Tasks[t.ID] = &clone
	return nil
}

func (m *MockLedger) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetTaskCalls++
	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	clone := *t
	return &clone, nil
}

func (m *MockLedger) ListIterations(_ context.Context, taskID string) ([]task.Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListIterationsCalls++
	if _, exists := m.Tasks[taskID]; !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	return append([]task.Iteration(nil), m.Iterations[taskID]...), nil
}

func (m *MockLedger) AppendIteration(_ context.Context, taskID, prompt string, score float64, feedback task.Feedback) (*task.Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendIterationCalls++
	if m.AppendIterationError != nil {
		return nil, m.AppendIterationError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status != task.StatusRunning {
		return nil, fmt.Errorf("task %s in status %s: %w", taskID, t.Status, ErrSequenceViolation)
	}

	it := task.Iteration{
		TaskID:    taskID,
		Iteration: t.IterationCount + 1,
		Prompt:    prompt,
		Score:     score,
		Feedback:  feedback,
		CreatedAt: time.Now().UTC(),
	}

	m.Iterations[taskID] = append(m.Iterations[taskID], it)
	t.CurrentPrompt = prompt
	t.CurrentScore = &it.Score
	t.IterationCount = it.Iteration
	t.UpdatedAt = it.CreatedAt

	return &it, nil
}

func (m *MockLedger) UpdateTaskState(_ context.Context, taskID string, upd StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateStateCalls++
	if m.UpdateStateError != nil {
		return m.UpdateStateError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already terminal: %w", taskID, ErrSequenceViolation)
	}

	t.Status = upd.Status
	if upd.CurrentPrompt != nil {
		t.CurrentPrompt = *upd.CurrentPrompt
	}
	if upd.CurrentScore != nil {
		score := *upd.CurrentScore
		t.CurrentScore = &score
	}
	if upd.IterationCount != nil {
		t.IterationCount = *upd.IterationCount
	}
	if upd.Metadata != nil {
		t.Metadata = upd.Metadata
	}
	t.UpdatedAt = time.Now().UTC()

	return nil
}

func (m *MockLedger) CountByStatus(_ context.Context) (map[task.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[task.Status]int)
	for _, t := range m.Tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MockLedger) Close() error {
	return nil
}
