// Package lock provides the cluster-wide mutual-exclusion primitive used to
// guarantee that at most one burrow node runs a given agent at a time.
//
// Locks are advisory, expiry-based and non-blocking. A holder that crashes
// without releasing is recovered by TTL expiry alone; there is no liveness
// heartbeat. Release is conditional on the caller's owner token so that a
// holder whose lock expired and was taken over cannot delete the new
// holder's lock.
package lock

import (
	"context"
	"fmt"
	"time"
)

// Locker is the lock backend contract.
//
// Implementations must be safe for concurrent use. None of the methods wait
// for a lock to become free.
type Locker interface {
	// TryAcquire creates the lock name with the given owner token and TTL if
	// no unexpired lock with that name exists. It returns false when the lock
	// is held by anyone, including the same token. Backend failures return
	// false and a fault.KindTransientCoordination error: acquisition fails
	// closed.
	TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// Release deletes the lock only if token is the current holder. It
	// returns false when the lock was absent or held by another token.
	Release(ctx context.Context, name, token string) (bool, error)

	// Holder returns the current holder token, or "" when unheld.
	Holder(ctx context.Context, name string) (string, error)
}

// Key returns the backend key for a lock name.
// Pattern: lock:{name}
func Key(name string) string {
	return "lock:" + name
}

func validate(name, token string, ttl time.Duration) error {
	if name == "" {
		return fmt.Errorf("lock name cannot be empty")
	}
	if token == "" {
		return fmt.Errorf("owner token cannot be empty")
	}
	if ttl < time.Millisecond {
		return fmt.Errorf("lock ttl must be at least 1ms, got %v", ttl)
	}
	return nil
}
