// Package lease implements the per-task mutual-exclusion lease on Redis.
// A lease is a SET NX PX key holding the owner's token; it must be renewed
// periodically and checked before every ledger write. Exactly one worker can
// hold the lease for a task at a time; expiry makes an abandoned task
// eligible for pickup by another worker.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lease:task:"

// ErrNotHeld is returned when a renew or release finds the lease owned by
// someone else (or expired). The caller must stop writing and abort silently.
var ErrNotHeld = errors.New("lease not held")

// Compare-owner scripts so a worker never extends or deletes a lease it lost.
var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

type Manager struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

// NewManager creates a lease manager whose grants are tagged with owner and
// expire after ttl unless renewed.
func NewManager(redisAddr, owner string, ttl time.Duration) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Manager{client: client, owner: owner, ttl: ttl}, nil
}

// Acquire attempts to take the lease for taskID. Returns false if another
// owner currently holds it.
func (m *Manager) Acquire(ctx context.Context, taskID string) (bool, error) {
	return m.client.SetNX(ctx, keyPrefix+taskID, m.owner, m.ttl).Result()
}

// Renew extends the lease if this manager still owns it, ErrNotHeld otherwise.
func (m *Manager) Renew(ctx context.Context, taskID string) error {
	ok, err := renewScript.Run(ctx, m.client, []string{keyPrefix + taskID}, m.owner, m.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotHeld
	}
	return nil
}

// Held reports whether this manager currently owns the lease for taskID.
func (m *Manager) Held(ctx context.Context, taskID string) bool {
	owner, err := m.client.Get(ctx, keyPrefix+taskID).Result()
	return err == nil && owner == m.owner
}

// Release drops the lease if still owned; releasing a lost lease is a no-op.
func (m *Manager) Release(ctx context.Context, taskID string) error {
	ok, err := releaseScript.Run(ctx, m.client, []string{keyPrefix + taskID}, m.owner).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotHeld
	}
	return nil
}

func (m *Manager) Close() error {
	return m.client.Close()
}
