// Package gateway adapts the external model provider behind a narrow
// interface: one call to generate a prompt, one call to score it. Both are
// bounded by a timeout and classify failures as transient (retryable) or
// permanent. Retry policy lives with the caller, which knows the iteration
// budget; the gateway never retries internally.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/promptforge/promptforge/internal/task"
)

type ErrorKind int

const (
	// Transient covers timeouts, rate limits, and 5xx-equivalent failures.
	Transient ErrorKind = iota
	// Permanent covers invalid-input and auth failures; retrying is useless.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Kind == Transient
}

// Gateway is the single external capability the orchestrator consumes.
type Gateway interface {
	// Generate produces a candidate system prompt from the requirements and
	// the feedback accumulated over previous iterations (empty on the first).
	Generate(ctx context.Context, requirements string, history []task.Feedback, temperature float64) (string, error)
	// Score evaluates a candidate prompt against the requirements, returning
	// a quality score in [0,100] and a structured critique.
	Score(ctx context.Context, prompt, requirements string) (float64, task.Feedback, error)
}
