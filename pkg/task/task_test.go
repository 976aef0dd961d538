package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/burrow/pkg/fault"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	repo Repository
	// advance moves both the repository clock and, for Redis, key TTLs.
	advance func(d time.Duration)
	clock   *fakeClock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func backends(t *testing.T, retention time.Duration) map[string]backend {
	t.Helper()

	memClock := newFakeClock()
	mem := NewMemoryRepository(retention, memClock.Now)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	redisClock := newFakeClock()
	red := NewRedisRepository(rdb, retention, redisClock.Now)

	return map[string]backend{
		"memory": {repo: mem, clock: memClock, advance: memClock.Advance},
		"redis": {repo: red, clock: redisClock, advance: func(d time.Duration) {
			redisClock.Advance(d)
			mr.FastForward(d)
		}},
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			deadline := b.clock.Now().Add(time.Minute)
			created, err := b.repo.Create(ctx, "op-1", deadline)
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, created.Status)
			assert.True(t, created.Deadline.Equal(deadline))

			got, err := b.repo.Get(ctx, "op-1")
			require.NoError(t, err)
			assert.Equal(t, "op-1", got.ID)
			assert.Equal(t, StatusRunning, got.Status)
			assert.True(t, got.CreatedAt.Equal(b.clock.Now()))

			_, err = b.repo.Create(ctx, "op-1", deadline)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			_, err = b.repo.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = b.repo.Create(ctx, "", deadline)
			assert.Error(t, err)
		})
	}
}

func TestUpdateTransitions(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name       string
		status     Status
		payload    Payload
		wantStatus Status
		wantKind   string
	}{
		{"complete", StatusCompleted, Payload{Result: map[string]any{"count": "3"}}, StatusCompleted, ""},
		{"fail with plain error", StatusFailed, Payload{Err: boom}, StatusFailed, "agent_execution"},
		{"fail keeps specific kind", StatusFailed,
			Payload{Err: fault.New(fault.KindUnsupportedOperation, "cache.write", boom)}, StatusFailed, "unsupported_operation"},
	}

	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			for i, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					id := fmt.Sprintf("op-%d", i)
					_, err := b.repo.Create(ctx, id, b.clock.Now().Add(time.Minute))
					require.NoError(t, err)

					updated, err := b.repo.Update(ctx, id, tt.status, tt.payload)
					require.NoError(t, err)
					assert.Equal(t, tt.wantStatus, updated.Status)

					got, err := b.repo.Get(ctx, id)
					require.NoError(t, err)
					assert.Equal(t, tt.wantStatus, got.Status)
					assert.False(t, got.FinishedAt.IsZero())
					if tt.wantKind == "" {
						assert.Nil(t, got.Failure)
						assert.Equal(t, "3", got.Result["count"])
					} else {
						require.NotNil(t, got.Failure)
						assert.Equal(t, tt.wantKind, got.Failure.Kind)
						assert.Contains(t, got.Failure.Message, "boom")
					}

					// Terminal tasks accept no further transitions.
					_, err = b.repo.Update(ctx, id, StatusCompleted, Payload{})
					assert.True(t, fault.Is(err, fault.KindInvalidTransition))
				})
			}
		})
	}
}

func TestUpdateRejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			_, err := b.repo.Create(ctx, "op", b.clock.Now().Add(time.Minute))
			require.NoError(t, err)

			for _, tc := range []struct {
				status  Status
				payload Payload
			}{
				{StatusRunning, Payload{}},
				{StatusTimedOut, Payload{}},
				{Status("PAUSED"), Payload{}},
				{StatusCompleted, Payload{Err: errors.New("x")}},
				{StatusFailed, Payload{}},
			} {
				_, err := b.repo.Update(ctx, "op", tc.status, tc.payload)
				assert.True(t, fault.Is(err, fault.KindInvalidTransition), "status %s", tc.status)
			}

			got, err := b.repo.Get(ctx, "op")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, got.Status)

			_, err = b.repo.Update(ctx, "missing", StatusCompleted, Payload{})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTimeoutIsStrictlyAfterDeadline(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			deadline := b.clock.Now().Add(2 * time.Second)
			_, err := b.repo.Create(ctx, "op", deadline)
			require.NoError(t, err)

			ids, err := b.repo.Overdue(ctx, deadline)
			require.NoError(t, err)
			assert.Empty(t, ids)

			ok, err := b.repo.Expire(ctx, "op", deadline)
			require.NoError(t, err)
			assert.False(t, ok, "a task is not timed out at its deadline")

			ids, err = b.repo.Overdue(ctx, deadline.Add(time.Millisecond))
			require.NoError(t, err)
			assert.Equal(t, []string{"op"}, ids)

			ok, err = b.repo.Expire(ctx, "op", deadline.Add(time.Millisecond))
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := b.repo.Get(ctx, "op")
			require.NoError(t, err)
			assert.Equal(t, StatusTimedOut, got.Status)
			require.NotNil(t, got.Failure)
			assert.Equal(t, "timed_out", got.Failure.Kind)

			ids, err = b.repo.Overdue(ctx, deadline.Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, ids)

			ok, err = b.repo.Expire(ctx, "missing", deadline.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, 10*time.Minute) {
		t.Run(name, func(t *testing.T) {
			_, err := b.repo.Create(ctx, "done", b.clock.Now().Add(time.Minute))
			require.NoError(t, err)
			_, err = b.repo.Create(ctx, "slow", b.clock.Now().Add(time.Hour))
			require.NoError(t, err)
			_, err = b.repo.Update(ctx, "done", StatusCompleted, Payload{})
			require.NoError(t, err)

			b.advance(9 * time.Minute)
			_, err = b.repo.Get(ctx, "done")
			require.NoError(t, err)

			b.advance(2 * time.Minute)
			_, err = b.repo.Get(ctx, "done")
			assert.ErrorIs(t, err, ErrNotFound)

			// Running tasks never age out.
			got, err := b.repo.Get(ctx, "slow")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, got.Status)

			// An evicted id may be reused.
			_, err = b.repo.Create(ctx, "done", b.clock.Now().Add(time.Minute))
			assert.NoError(t, err)
		})
	}
}

func TestSupervisorTimesOutTask(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			var expiredIDs []string
			sup := NewSupervisor(b.repo, time.Second,
				WithClock(b.clock.Now),
				WithLogger(quietLogger()),
				OnExpire(func(id string) { expiredIDs = append(expiredIDs, id) }),
			)

			_, err := b.repo.Create(ctx, "task-123", b.clock.Now().Add(2*time.Second))
			require.NoError(t, err)
			_, err = b.repo.Create(ctx, "task-456", b.clock.Now().Add(time.Minute))
			require.NoError(t, err)

			expired, err := sup.Sweep(ctx)
			require.NoError(t, err)
			assert.Empty(t, expired)

			b.advance(3 * time.Second)

			expired, err = sup.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"task-123"}, expired)
			assert.Equal(t, []string{"task-123"}, expiredIDs)

			got, err := b.repo.Get(ctx, "task-123")
			require.NoError(t, err)
			assert.Equal(t, StatusTimedOut, got.Status)

			other, err := b.repo.Get(ctx, "task-456")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, other.Status)

			// The owner reporting late cannot overwrite the timeout.
			_, err = b.repo.Update(ctx, "task-123", StatusCompleted, Payload{})
			assert.True(t, fault.Is(err, fault.KindInvalidTransition))
		})
	}
}

func TestSupervisorRunStopsOnCancel(t *testing.T) {
	repo := NewMemoryRepository(time.Hour, nil)
	sup := NewSupervisor(repo, 10*time.Millisecond, WithLogger(quietLogger()))

	_, err := repo.Create(context.Background(), "quick", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := repo.Get(context.Background(), "quick")
		return err == nil && got.Status == StatusTimedOut
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestContextIsolation(t *testing.T) {
	base := context.Background()
	_, ok := IDFromContext(base)
	assert.False(t, ok)

	a := WithID(base, "a")
	b := WithID(base, "b")

	id, ok := IDFromContext(a)
	require.True(t, ok)
	assert.Equal(t, "a", id)
	id, ok = IDFromContext(b)
	require.True(t, ok)
	assert.Equal(t, "b", id)
}

func TestRunnerRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			runner := NewRunner(b.repo, quietLogger())
			deadline := b.clock.Now().Add(time.Minute)

			seen := make(chan string, 2)
			_, err := runner.Submit(ctx, "ok", deadline, func(ctx context.Context) (map[string]any, error) {
				id, _ := IDFromContext(ctx)
				seen <- id
				return map[string]any{"ok": true}, nil
			})
			require.NoError(t, err)

			_, err = runner.Submit(ctx, "bad", deadline, func(ctx context.Context) (map[string]any, error) {
				id, _ := IDFromContext(ctx)
				seen <- id
				return nil, errors.New("upstream refused")
			})
			require.NoError(t, err)

			_, err = runner.Submit(ctx, "panics", deadline, func(ctx context.Context) (map[string]any, error) {
				panic("nil map")
			})
			require.NoError(t, err)

			_, err = runner.Submit(ctx, "ok", deadline, func(ctx context.Context) (map[string]any, error) {
				return nil, nil
			})
			assert.ErrorIs(t, err, ErrAlreadyExists)

			runner.Wait()
			close(seen)
			var ids []string
			for id := range seen {
				ids = append(ids, id)
			}
			assert.ElementsMatch(t, []string{"ok", "bad"}, ids)

			ok, err := b.repo.Get(ctx, "ok")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, ok.Status)
			assert.Equal(t, true, ok.Result["ok"])

			bad, err := b.repo.Get(ctx, "bad")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, bad.Status)
			assert.Equal(t, "agent_execution", bad.Failure.Kind)
			assert.Contains(t, bad.Failure.Message, "upstream refused")

			p, err := b.repo.Get(ctx, "panics")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, p.Status)
			assert.Contains(t, p.Failure.Message, "panicked")
		})
	}
}

func TestRunnerLateResultIsDropped(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	repo := NewMemoryRepository(time.Hour, clock.Now)
	sup := NewSupervisor(repo, time.Second, WithClock(clock.Now), WithLogger(quietLogger()))
	runner := NewRunner(repo, quietLogger())

	release := make(chan struct{})
	_, err := runner.Submit(ctx, "stuck", clock.Now().Add(2*time.Second), func(ctx context.Context) (map[string]any, error) {
		<-release
		return map[string]any{"late": true}, nil
	})
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	expired, err := sup.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, expired)

	close(release)
	runner.Wait()

	got, err := repo.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, got.Status)
	assert.Nil(t, got.Result)
}

func TestRedisSubscribe(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	repo := NewRedisRepository(rdb, time.Hour, nil)

	sub, err := repo.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	_, err = repo.Create(ctx, "watched", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = repo.Update(ctx, "watched", StatusCompleted, Payload{})
	require.NoError(t, err)

	var statuses []Status
	timeout := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case tk := <-sub.Events():
			require.NotNil(t, tk)
			assert.Equal(t, "watched", tk.ID)
			statuses = append(statuses, tk.Status)
		case <-timeout:
			t.Fatalf("received %v before timeout", statuses)
		}
	}
	assert.Equal(t, []Status{StatusRunning, StatusCompleted}, statuses)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}
