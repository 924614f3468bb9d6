// Package worker provides the background processor that pulls submitted
// tasks off the queue and hands them to the refinement orchestrator.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/promptforge/promptforge/internal/ledger"
	"github.com/promptforge/promptforge/internal/orchestrator"
	"github.com/promptforge/promptforge/internal/queue"
	"github.com/promptforge/promptforge/internal/task"
)

// TerminalFunc is invoked after a task reaches a terminal status, e.g. to
// send a completion notification. It must not block for long.
type TerminalFunc func(*task.Task)

type Worker struct {
	id              string
	queue           *queue.Queue
	ledger          ledger.Ledger
	orch            *orchestrator.Orchestrator
	pollInterval    time.Duration
	redeliveryDelay time.Duration
	onTerminal      TerminalFunc
	stop            chan struct{}
	done            chan struct{}
}

func NewWorker(id string, q *queue.Queue, l ledger.Ledger, orch *orchestrator.Orchestrator) *Worker {
	return &Worker{
		id:              id,
		queue:           q,
		ledger:          l,
		orch:            orch,
		pollInterval:    time.Second,
		redeliveryDelay: 30 * time.Second,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

func (w *Worker) SetRedeliveryDelay(d time.Duration) {
	w.redeliveryDelay = d
}

// OnTerminal registers a callback fired once per run that ends in a
// terminal status.
func (w *Worker) OnTerminal(fn TerminalFunc) {
	w.onTerminal = fn
}

func (w *Worker) Start() {
	log.Printf("Worker %s started", w.id)
	defer close(w.done)

	ctx := context.Background()
	for {
		select {
		case <-w.stop:
			log.Printf("Worker %s stopped", w.id)
			return
		default:
			taskID, err := w.queue.Dequeue(ctx)
			if err != nil {
				log.Printf("Worker %s dequeue failed: %v", w.id, err)
				time.Sleep(w.pollInterval)
				continue
			}
			if taskID == "" {
				time.Sleep(w.pollInterval)
				continue
			}

			w.process(ctx, taskID)
		}
	}
}

func (w *Worker) process(ctx context.Context, taskID string) {
	log.Printf("Worker %s processing task %s", w.id, taskID)

	err := w.orch.Run(ctx, taskID)
	if errors.Is(err, orchestrator.ErrLocked) {
		// Another worker owns it; look again later.
		if err := w.queue.Delay(ctx, taskID, w.redeliveryDelay); err != nil {
			log.Printf("Worker %s failed to delay task %s: %v", w.id, taskID, err)
		}
		return
	}
	if err != nil {
		// Leave the task unacked; the visibility window redelivers it.
		log.Printf("Worker %s run failed for task %s: %v", w.id, taskID, err)
		return
	}

	t, err := w.ledger.GetTask(ctx, taskID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		log.Printf("Worker %s failed to reload task %s: %v", w.id, taskID, err)
	}
	if t != nil && !t.Status.Terminal() {
		// Lease lost mid-run; the task stays queued for redelivery.
		return
	}

	if err := w.queue.Ack(ctx, taskID); err != nil {
		log.Printf("Worker %s failed to ack task %s: %v", w.id, taskID, err)
	}
	if t != nil && w.onTerminal != nil {
		w.onTerminal(t)
	}
}

func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}
