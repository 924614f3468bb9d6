package main

import (
	"context"
	"log"
	"time"

	"github.com/promptforge/promptforge/internal/ledger"
	"github.com/promptforge/promptforge/internal/metrics"
	"github.com/promptforge/promptforge/internal/queue"
)

func startMetricsCollector(l ledger.Ledger, q *queue.Queue) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		updateGauges(l, q)
	}
}

func updateGauges(l ledger.Ledger, q *queue.Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := l.CountByStatus(ctx)
	if err != nil {
		log.Printf("Failed to count tasks for metrics: %v", err)
		return
	}
	metrics.UpdateTaskGauges(counts)

	depth, err := q.Depth(ctx)
	if err != nil {
		log.Printf("Failed to read queue depth for metrics: %v", err)
		return
	}
	metrics.UpdateQueueDepth(depth)
}
