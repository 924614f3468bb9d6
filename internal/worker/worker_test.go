package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/internal/cache"
	"github.com/promptforge/promptforge/internal/ledger"
	"github.com/promptforge/promptforge/internal/lease"
	"github.com/promptforge/promptforge/internal/orchestrator"
	"github.com/promptforge/promptforge/internal/queue"
	"github.com/promptforge/promptforge/internal/task"
)

type stubGateway struct {
	mu    sync.Mutex
	calls int
}

func (s *stubGateway) Generate(context.Context, string, []task.Feedback, float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "a generated prompt", nil
}

func (s *stubGateway) Score(context.Context, string, string) (float64, task.Feedback, error) {
	return 95, task.Feedback{Raw: "SCORE: 95"}, nil
}

func setupTestWorker(t *testing.T) (*Worker, *ledger.MockLedger, *queue.Queue, *stubGateway) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := queue.NewQueue(mr.Addr(), 5*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	c, err := cache.NewCache(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	lm, err := lease.NewManager(mr.Addr(), "test-worker", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })

	ml := ledger.NewMockLedger()
	gw := &stubGateway{}
	orch := orchestrator.New(ml, gw, c, lm, q, orchestrator.Config{
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
		CacheTTL:      time.Hour,
	})

	w := NewWorker("test-worker", q, ml, orch)
	w.SetPollInterval(5 * time.Millisecond)

	return w, ml, q, gw
}

func TestWorker_ProcessesSubmittedTask(t *testing.T) {
	w, ml, q, _ := setupTestWorker(t)
	ctx := context.Background()

	tsk := task.New("write a tutor prompt", task.Config{MaxIterations: 3, ScoreThreshold: 80, Temperature: 0.7})
	require.NoError(t, ml.CreateTask(ctx, tsk))
	require.NoError(t, q.Submit(ctx, tsk.ID))

	go w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		got, err := ml.GetTask(ctx, tsk.ID)
		return err == nil && got.Status == task.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	// The finished task is acked off the queue.
	require.Eventually(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_FiresTerminalCallback(t *testing.T) {
	w, ml, q, _ := setupTestWorker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var notified []*task.Task
	w.OnTerminal(func(t *task.Task) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, t)
	})

	tsk := task.New("requirements", task.Config{MaxIterations: 1, ScoreThreshold: 80, Temperature: 0.7})
	require.NoError(t, ml.CreateTask(ctx, tsk))
	require.NoError(t, q.Submit(ctx, tsk.ID))

	go w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, tsk.ID, notified[0].ID)
	assert.Equal(t, task.StatusSucceeded, notified[0].Status)
}

func TestWorker_UnknownTaskIsDropped(t *testing.T) {
	w, _, q, gw := setupTestWorker(t)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, "ghost-task"))

	go w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 0, gw.calls)
}

func TestWorker_StopIsClean(t *testing.T) {
	w, _, _, _ := setupTestWorker(t)

	go w.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop in time")
	}
}

func TestConcurrentWorkers_SingleAppendSequence(t *testing.T) {
	// Two workers sharing one queue and ledger must never double-append:
	// the lease serializes them even when both see the same delivery.
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	q, err := queue.NewQueue(mr.Addr(), 5*time.Minute)
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	c, err := cache.NewCache(mr.Addr())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ml := ledger.NewMockLedger()
	gw := &stubGateway{}

	newWorker := func(id string) *Worker {
		lm, err := lease.NewManager(mr.Addr(), id, time.Minute)
		require.NoError(t, err)
		t.Cleanup(func() { _ = lm.Close() })

		orch := orchestrator.New(ml, gw, c, lm, q, orchestrator.Config{
			RetryAttempts: 3,
			RetryBackoff:  time.Millisecond,
			CacheTTL:      time.Hour,
		})
		w := NewWorker(id, q, ml, orch)
		w.SetPollInterval(time.Millisecond)
		w.SetRedeliveryDelay(5 * time.Millisecond)
		return w
	}

	first := newWorker("worker-1")
	second := newWorker("worker-2")

	ctx := context.Background()
	tsk := task.New("requirements", task.Config{MaxIterations: 1, ScoreThreshold: 80, Temperature: 0.7})
	require.NoError(t, ml.CreateTask(ctx, tsk))
	require.NoError(t, q.Submit(ctx, tsk.ID))

	go first.Start()
	go second.Start()
	defer first.Stop()
	defer second.Stop()

	require.Eventually(t, func() bool {
		got, err := ml.GetTask(ctx, tsk.ID)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	iterations, err := ml.ListIterations(ctx, tsk.ID)
	require.NoError(t, err)
	require.Len(t, iterations, 1)
	assert.Equal(t, 1, iterations[0].Iteration)
}
