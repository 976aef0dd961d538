package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker. Every scheduler sharing one
// MemoryLocker behaves like a separate cluster member sharing one lock store,
// which makes it suitable for single-node deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

// NewMemoryLocker creates an empty in-process lock store.
// now may be nil, in which case time.Now is used.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{
		locks: make(map[string]memoryLock),
		now:   now,
	}
}

// TryAcquire implements Locker.
func (l *MemoryLocker) TryAcquire(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	if err := validate(name, token, ttl); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.locks[name]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.locks[name] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, name, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.locks[name]
	if !ok || !l.now().Before(cur.expiresAt) {
		delete(l.locks, name)
		return false, nil
	}
	if cur.token != token {
		return false, nil
	}
	delete(l.locks, name)
	return true, nil
}

// Holder implements Locker.
func (l *MemoryLocker) Holder(_ context.Context, name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.locks[name]
	if !ok || !l.now().Before(cur.expiresAt) {
		return "", nil
	}
	return cur.token, nil
}
