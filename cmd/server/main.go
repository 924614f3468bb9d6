package main

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptforge/promptforge/internal/api"
	"github.com/promptforge/promptforge/internal/cache"
	"github.com/promptforge/promptforge/internal/config"
	"github.com/promptforge/promptforge/internal/ledger"
	"github.com/promptforge/promptforge/internal/middleware"
	"github.com/promptforge/promptforge/internal/queue"
	"github.com/promptforge/promptforge/internal/task"
)

func main() {
	cfg := config.Load()

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
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

	apiHandler := api.NewAPI(l, q, c, task.Config{
		MaxIterations:  cfg.MaxIterations,
		ScoreThreshold: cfg.ScoreThreshold,
		Temperature:    cfg.Temperature,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.MetricsMiddleware(apiHandler))

	go startMetricsCollector(l, q)

	log.Printf("Server starting on :%s", cfg.Port)
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
		log.Fatal(err)
	}
}
