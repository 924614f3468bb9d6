// Package orchestrator drives one refinement task from submission to a
// terminal state: acquire the per-task lease, consult the fingerprint cache,
// then loop generate → score → append until the score threshold is met, the
// iteration budget runs out, the task is cancelled, or the gateway fails for
// good. The lease holder is the sole writer of task state; losing the lease
// aborts silently and leaves the task for redelivery.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/promptforge/promptforge/internal/cache"
	"github.com/promptforge/promptforge/internal/gateway"
	"github.com/promptforge/promptforge/internal/ledger"
	"github.com/promptforge/promptforge/internal/lease"
	"github.com/promptforge/promptforge/internal/metrics"
	"github.com/promptforge/promptforge/internal/queue"
	"github.com/promptforge/promptforge/internal/task"
)

// ErrLocked means another worker holds the task's lease right now. The
// caller should delay redelivery rather than ack.
var ErrLocked = errors.New("task leased by another worker")

// Config tunes retry and caching policy. RetryBackoff doubles per attempt.
type Config struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	CacheTTL      time.Duration
}

type Orchestrator struct {
	ledger  ledger.Ledger
	gateway gateway.Gateway
	cache   *cache.Cache
	leases  *lease.Manager
	queue   *queue.Queue
	cfg     Config
}

func New(l ledger.Ledger, g gateway.Gateway, c *cache.Cache, lm *lease.Manager, q *queue.Queue, cfg Config) *Orchestrator {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Orchestrator{
		ledger:  l,
		gateway: g,
		cache:   c,
		leases:  lm,
		queue:   q,
		cfg:     cfg,
	}
}

// Run executes the state machine for taskID. A nil return means the unit of
// work is done and may be acked, whether the task succeeded, failed, was
// cancelled, vanished, or was abandoned to redelivery by a lost lease.
// ErrLocked asks the caller to retry later.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	t, err := o.ledger.GetTask(ctx, taskID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Printf("Task %s no longer exists, dropping", taskID)
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		// Redelivered after completion; nothing left to do.
		return nil
	}

	acquired, err := o.leases.Acquire(ctx, taskID)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLocked
	}
	defer func() {
		if err := o.leases.Release(ctx, taskID); err != nil && !errors.Is(err, lease.ErrNotHeld) {
			log.Printf("Failed to release lease for task %s: %v", taskID, err)
		}
	}()

	started := time.Now()
	if t.Status == task.StatusPending {
		if err := o.ledger.UpdateTaskState(ctx, taskID, ledger.StateUpdate{Status: task.StatusRunning}); err != nil {
			return err
		}
		t.Status = task.StatusRunning
	}

	fingerprint := cache.Fingerprint(t.Requirements, t.Config)
	cached, err := o.cache.Get(ctx, fingerprint)
	if err != nil {
		log.Printf("Cache lookup failed for task %s: %v", taskID, err)
	}
	metrics.RecordCacheLookup(cached != nil)
	if cached != nil {
		return o.finish(ctx, t, started, ledger.StateUpdate{
			Status:         task.StatusSucceeded,
			CurrentPrompt:  &cached.Prompt,
			CurrentScore:   &cached.Score,
			IterationCount: &cached.Iterations,
			Metadata:       map[string]any{"cache_hit": true},
		})
	}

	return o.refine(ctx, t, fingerprint, started)
}

func (o *Orchestrator) refine(ctx context.Context, t *task.Task, fingerprint string, started time.Time) error {
	// On redelivery of a half-done task the feedback history is rebuilt from
	// the ledger so refinement continues where the dead worker stopped.
	history, err := o.feedbackHistory(ctx, t)
	if err != nil {
		return err
	}

	for t.IterationCount < t.Config.MaxIterations {
		if err := o.leases.Renew(ctx, t.ID); err != nil {
			return o.abortStaleWriter(t.ID, err)
		}

		cancelled, err := o.queue.CancelRequested(ctx, t.ID)
		if err != nil {
			log.Printf("Cancellation check failed for task %s: %v", t.ID, err)
		}
		if cancelled {
			if err := o.queue.ClearCancel(ctx, t.ID); err != nil {
				log.Printf("Failed to clear cancel flag for task %s: %v", t.ID, err)
			}
			return o.finish(ctx, t, started, ledger.StateUpdate{
				Status:   task.StatusCancelled,
				Metadata: map[string]any{"cancelled_at_iteration": t.IterationCount},
			})
		}

		prompt, err := o.generate(ctx, t, history)
		if err != nil {
			return o.failTask(ctx, t, started, "generate", err)
		}

		score, feedback, err := o.score(ctx, t, prompt)
		if err != nil {
			return o.failTask(ctx, t, started, "score", err)
		}

		if !o.leases.Held(ctx, t.ID) {
			return o.abortStaleWriter(t.ID, lease.ErrNotHeld)
		}
		it, err := o.ledger.AppendIteration(ctx, t.ID, prompt, score, feedback)
		if err != nil {
			return err
		}
		metrics.RecordIteration(score)

		t.IterationCount = it.Iteration
		t.CurrentPrompt = prompt
		t.CurrentScore = &it.Score
		history = append(history, feedback)

		log.Printf("Task %s iteration %d scored %.1f (threshold %.1f)",
			t.ID, it.Iteration, score, t.Config.ScoreThreshold)

		if score >= t.Config.ScoreThreshold {
			o.populateCache(ctx, fingerprint, t)
			return o.finish(ctx, t, started, ledger.StateUpdate{Status: task.StatusSucceeded})
		}
	}

	// Budget exhausted without reaching the threshold. The most recent
	// iteration is still a usable result, so the task succeeds best-effort.
	o.populateCache(ctx, fingerprint, t)
	return o.finish(ctx, t, started, ledger.StateUpdate{
		Status:   task.StatusSucceeded,
		Metadata: map[string]any{"best_effort": true, "reason": "iteration budget exhausted"},
	})
}

func (o *Orchestrator) generate(ctx context.Context, t *task.Task, history []task.Feedback) (string, error) {
	var prompt string
	err := o.withRetry(ctx, func() error {
		var err error
		prompt, err = o.gateway.Generate(ctx, t.Requirements, history, t.Config.Temperature)
		metrics.RecordGatewayCall("generate", err)
		return err
	})
	return prompt, err
}

func (o *Orchestrator) score(ctx context.Context, t *task.Task, prompt string) (float64, task.Feedback, error) {
	var score float64
	var feedback task.Feedback
	err := o.withRetry(ctx, func() error {
		var err error
		score, feedback, err = o.gateway.Score(ctx, prompt, t.Requirements)
		metrics.RecordGatewayCall("score", err)
		return err
	})
	return score, feedback, err
}

// withRetry retries transient gateway failures with doubling backoff, at
// most cfg.RetryAttempts calls in total. Permanent failures escalate at once.
func (o *Orchestrator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		err = fn()
		if err == nil || !gateway.IsTransient(err) {
			return err
		}
		if attempt == o.cfg.RetryAttempts {
			break
		}

		backoff := o.cfg.RetryBackoff << (attempt - 1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (o *Orchestrator) failTask(ctx context.Context, t *task.Task, started time.Time, op string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		// Shutdown, not a task failure; leave the task for redelivery.
		return nil
	}

	kind := "permanent"
	if gateway.IsTransient(cause) {
		kind = "transient_exhausted"
	}
	return o.finish(ctx, t, started, ledger.StateUpdate{
		Status: task.StatusFailed,
		Metadata: map[string]any{
			"error":      cause.Error(),
			"error_kind": kind,
			"failed_op":  op,
		},
	})
}

// finish writes the terminal state, guarded by lease ownership.
func (o *Orchestrator) finish(ctx context.Context, t *task.Task, started time.Time, upd ledger.StateUpdate) error {
	if !o.leases.Held(ctx, t.ID) {
		return o.abortStaleWriter(t.ID, lease.ErrNotHeld)
	}
	if err := o.ledger.UpdateTaskState(ctx, t.ID, upd); err != nil {
		return err
	}
	metrics.RecordTaskFinished(upd.Status, time.Since(started))
	log.Printf("Task %s finished with status %s after %d iteration(s)", t.ID, upd.Status, t.IterationCount)
	return nil
}

// abortStaleWriter handles a lost lease: stop writing, leave the task in
// running state, and let the queue redeliver it to whoever owns it now.
func (o *Orchestrator) abortStaleWriter(taskID string, cause error) error {
	metrics.RecordLeaseLost()
	log.Printf("Lost lease for task %s (%v), aborting without further writes", taskID, cause)
	return nil
}

func (o *Orchestrator) populateCache(ctx context.Context, fingerprint string, t *task.Task) {
	if t.CurrentScore == nil {
		return
	}
	err := o.cache.Put(ctx, fingerprint, cache.Result{
		Prompt:     t.CurrentPrompt,
		Score:      *t.CurrentScore,
		Iterations: t.IterationCount,
	}, o.cfg.CacheTTL)
	if err != nil {
		// Cache writes are best-effort; correctness never depends on them.
		log.Printf("Failed to cache result for task %s: %v", t.ID, err)
	}
}

func (o *Orchestrator) feedbackHistory(ctx context.Context, t *task.Task) ([]task.Feedback, error) {
	if t.IterationCount == 0 {
		return nil, nil
	}

	iterations, err := o.ledger.ListIterations(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	history := make([]task.Feedback, 0, len(iterations))
	for _, it := range iterations {
		history = append(history, it.Feedback)
	}
	return history, nil
}
