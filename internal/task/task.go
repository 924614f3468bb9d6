// Package task defines the refinement task domain model shared by the queue,
// ledger, and orchestrator: task metadata, per-task configuration, iteration
// records, and the structured feedback produced by the scoring step.
package task

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Config holds the immutable refinement parameters fixed at submission.
type Config struct {
	MaxIterations  int     `json:"max_iterations"`
	ScoreThreshold float64 `json:"score_threshold"`
	Temperature    float64 `json:"temperature"`
}

type Task struct {
	ID             string         `json:"task_id"`
	Status         Status         `json:"status"`
	Requirements   string         `json:"requirements"`
	Config         Config         `json:"config"`
	CurrentPrompt  string         `json:"current_prompt,omitempty"`
	CurrentScore   *float64       `json:"current_score,omitempty"`
	IterationCount int            `json:"iteration_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CategoryFeedback is one scored critique category from the evaluator.
type CategoryFeedback struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment"`
}

// Feedback is the structured critique returned by a scoring call. Raw keeps
// the unparsed evaluator output so nothing is lost to a lenient parse.
type Feedback struct {
	Categories  map[string]CategoryFeedback `json:"categories,omitempty"`
	Suggestions []string                    `json:"suggestions,omitempty"`
	Raw         string                      `json:"raw,omitempty"`
}

// Iteration is one generate-then-score attempt, immutable once written.
type Iteration struct {
	TaskID    string    `json:"task_id"`
	Iteration int       `json:"iteration"`
	Prompt    string    `json:"prompt"`
	Score     float64   `json:"score"`
	Feedback  Feedback  `json:"feedback"`
	CreatedAt time.Time `json:"created_at"`
}

func New(requirements string, cfg Config) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           uuid.New().String(),
		Status:       StatusPending,
		Requirements: requirements,
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
