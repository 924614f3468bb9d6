package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/promptforge/promptforge/internal/cache"
	"github.com/promptforge/promptforge/internal/config"
	"github.com/promptforge/promptforge/internal/gateway"
	"github.com/promptforge/promptforge/internal/ledger"
	"github.com/promptforge/promptforge/internal/lease"
	"github.com/promptforge/promptforge/internal/notify"
	"github.com/promptforge/promptforge/internal/orchestrator"
	"github.com/promptforge/promptforge/internal/queue"
	"github.com/promptforge/promptforge/internal/task"
	"github.com/promptforge/promptforge/internal/worker"
)

func main() {
	cfg := config.Load()

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	if cfg.ModelAPIKey == "" {
		log.Fatal("MODEL_API_KEY is required")
	}

	l, err := ledger.NewPostgresLedger(cfg.PostgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := l.Close(); err != nil {
			log.Printf("failed to close ledger: %v", err)
		}
	}()

	q, err := queue.NewQueue(cfg.RedisAddr, cfg.QueueVisibility)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := q.Close(); err != nil {
			log.Printf("failed to close queue: %v", err)
		}
	}()

	c, err := cache.NewCache(cfg.RedisAddr)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("failed to close cache: %v", err)
		}
	}()

	gw := gateway.NewOpenAIGateway(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.Model, cfg.GatewayTimeout)

	prefix := os.Getenv("WORKER_ID")
	if prefix == "" {
		prefix = fmt.Sprintf("worker-%d", os.Getpid())
	}

	workers := make([]*worker.Worker, 0, cfg.WorkerConcurrency)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", prefix, i)

		// Each worker holds its own lease identity so renewals never race.
		lm, err := lease.NewManager(cfg.RedisAddr, workerID, cfg.LockLeaseDuration)
		if err != nil {
			log.Fatal(err)
		}

		orch := orchestrator.New(l, gw, c, lm, q, orchestrator.Config{
			RetryAttempts: cfg.RetryAttempts,
			RetryBackoff:  cfg.RetryBackoff,
			CacheTTL:      cfg.CacheTTL,
		})

		w := worker.NewWorker(workerID, q, l, orch)
		w.SetPollInterval(cfg.PollInterval)
		w.SetRedeliveryDelay(cfg.RedeliveryDelay)

		if cfg.NotifyEmail != "" {
			w.OnTerminal(func(t *task.Task) {
				if err := notify.SendCompletionEmail(t, cfg.NotifyEmail); err != nil {
					log.Printf("failed to send completion email for task %s: %v", t.ID, err)
				}
			})
		}

		workers = append(workers, w)
		go w.Start()
	}

	log.Printf("Started %d workers (prefix %s)", len(workers), prefix)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down workers...")

	start := time.Now()
	for _, w := range workers {
		w.Stop()
	}
	log.Printf("Workers stopped in %s", time.Since(start))
}
