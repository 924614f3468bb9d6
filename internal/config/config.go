// Package config loads service configuration from environment variables with
// sensible defaults for every tunable.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Infrastructure
	RedisAddr   string
	PostgresDSN string
	Port        string

	// Refinement defaults applied when a submission omits them
	MaxIterations  int
	ScoreThreshold float64
	Temperature    float64

	// Orchestrator policy
	CacheTTL          time.Duration
	GatewayTimeout    time.Duration
	RetryAttempts     int
	RetryBackoff      time.Duration
	LockLeaseDuration time.Duration

	// Queue runner
	QueueVisibility   time.Duration
	PollInterval      time.Duration
	RedeliveryDelay   time.Duration
	WorkerConcurrency int

	// Model provider
	ModelBaseURL string
	ModelAPIKey  string
	Model        string

	// Optional completion notification
	NotifyEmail string
}

func Load() *Config {
	return &Config{
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		Port:        getEnv("PORT", "8080"),

		MaxIterations:  getEnvInt("MAX_ITERATIONS", 5),
		ScoreThreshold: getEnvFloat("SCORE_THRESHOLD", 80),
		Temperature:    getEnvFloat("TEMPERATURE", 0.7),

		CacheTTL:          getEnvDuration("CACHE_TTL", 24*time.Hour),
		GatewayTimeout:    getEnvDuration("GATEWAY_TIMEOUT", 60*time.Second),
		RetryAttempts:     getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBackoff:      getEnvDuration("RETRY_BACKOFF", time.Second),
		LockLeaseDuration: getEnvDuration("LOCK_LEASE_DURATION", 2*time.Minute),

		QueueVisibility:   getEnvDuration("QUEUE_VISIBILITY", 5*time.Minute),
		PollInterval:      getEnvDuration("POLL_INTERVAL", time.Second),
		RedeliveryDelay:   getEnvDuration("REDELIVERY_DELAY", 30*time.Second),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),

		ModelBaseURL: getEnv("MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:  os.Getenv("MODEL_API_KEY"),
		Model:        getEnv("MODEL", "gpt-4o-mini"),

		NotifyEmail: os.Getenv("NOTIFY_EMAIL"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}
