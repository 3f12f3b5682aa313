// Package lease provides best-effort mutual exclusion for resuming a run.
// Two concurrent resumes of the same correlation id can otherwise race:
// both derive the same next node from the log and double-append. A lease
// narrows that window; it does not make resume transactional.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease grants time-bounded exclusive ownership of a key.
type Lease interface {
	// Acquire attempts to take the lease. Returns false if another holder
	// currently owns it. The lease expires after ttl regardless of release,
	// so a crashed holder cannot block a run forever.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives the lease up early. Releasing an expired or unheld
	// lease is a no-op.
	Release(ctx context.Context, key string) error
}

// Noop is a Lease that always acquires. It is the default for single-process
// deployments where resume calls are already serialized by the caller.
type Noop struct{}

// NewNoop creates a no-op lease.
func NewNoop() *Noop {
	return &Noop{}
}

func (Noop) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (Noop) Release(ctx context.Context, key string) error {
	return nil
}

// keyPrefix namespaces lease keys in shared Redis databases.
const keyPrefix = "lease:"

// Redis implements Lease with SET NX EX, expiring automatically at the TTL.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis-backed lease on an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Acquire takes the lease with SET NX EX.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes the lease key.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release lease %q: %w", key, err)
	}
	return nil
}
