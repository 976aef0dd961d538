package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-locking retries on a contended task.
const maxTxRetries = 5

// Key returns the Redis key of a task.
func Key(id string) string {
	return "burrow:task:" + id
}

// RunningKey is the sorted set of RUNNING task ids scored by deadline (ms).
const RunningKey = "burrow:tasks:running"

// EventsChannel carries the JSON of every task after each transition.
const EventsChannel = "burrow:task_events"

// RedisRepository stores tasks as JSON strings so every node sees them.
// Transitions use WATCH/MULTI so the owner and the supervisor never both
// finish the same task.
type RedisRepository struct {
	rdb       redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewRedisRepository wraps an existing client. The caller owns the client.
func NewRedisRepository(rdb redis.UniversalClient, retention time.Duration, now func() time.Time) *RedisRepository {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &RedisRepository{rdb: rdb, retention: retention, now: now}
}

func decodeTask(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

func (r *RedisRepository) nowUTC() time.Time {
	return r.now().UTC()
}

// Create implements Repository.
func (r *RedisRepository) Create(ctx context.Context, id string, deadline time.Time) (*Task, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	t := &Task{
		ID:        id,
		Status:    StatusRunning,
		CreatedAt: r.nowUTC(),
		Deadline:  deadline.UTC(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	created, err := r.rdb.SetNX(ctx, Key(id), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create task %s: %w", id, err)
	}
	if !created {
		return nil, ErrAlreadyExists
	}

	z := redis.Z{Score: float64(t.Deadline.UnixMilli()), Member: id}
	if err := r.rdb.ZAdd(ctx, RunningKey, z).Err(); err != nil {
		// Without the index entry the supervisor would never see the task.
		_ = r.rdb.Del(ctx, Key(id)).Err()
		return nil, fmt.Errorf("failed to index task %s: %w", id, err)
	}

	r.publish(ctx, data)
	return t, nil
}

// transition applies fn to the stored task under WATCH. fn returns false to
// leave the task untouched.
func (r *RedisRepository) transition(ctx context.Context, id string, fn func(*Task) (bool, error)) (*Task, bool, error) {
	key := Key(id)
	var result *Task
	var changed bool

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		ok, err := fn(t)
		if err != nil {
			return err
		}
		result, changed = t, ok
		if !ok {
			return nil
		}

		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, r.retention)
			pipe.ZRem(ctx, RunningKey, id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if changed {
			if data, err := json.Marshal(result); err == nil {
				r.publish(ctx, data)
			}
		}
		return result, changed, nil
	}
	return nil, false, fmt.Errorf("task %s: too much contention after %d attempts", id, maxTxRetries)
}

// Update implements Repository.
func (r *RedisRepository) Update(ctx context.Context, id string, status Status, payload Payload) (*Task, error) {
	t, _, err := r.transition(ctx, id, func(t *Task) (bool, error) {
		if err := applyUpdate(t, status, payload, r.nowUTC()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, id string) (*Task, error) {
	data, err := r.rdb.Get(ctx, Key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return decodeTask(data)
}

// Overdue implements Repository. Ids whose task has disappeared are
// pruned from the index.
func (r *RedisRepository) Overdue(ctx context.Context, now time.Time) ([]string, error) {
	// Exclusive bound: deadline == now is not yet overdue.
	ids, err := r.rdb.ZRangeByScore(ctx, RunningKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan running tasks: %w", err)
	}
	return ids, nil
}

// Expire implements Repository.
func (r *RedisRepository) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	_, changed, err := r.transition(ctx, id, func(t *Task) (bool, error) {
		return applyExpiry(t, now), nil
	})
	if errors.Is(err, ErrNotFound) {
		_ = r.rdb.ZRem(ctx, RunningKey, id).Err()
		return false, nil
	}
	return changed, err
}

// Ping verifies Redis connectivity.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// publish announces a task change. Pub/Sub is at-most-once; Get remains
// the source of truth.
func (r *RedisRepository) publish(ctx context.Context, data []byte) {
	_ = r.rdb.Publish(ctx, EventsChannel, data).Err()
}

// Subscription delivers task changes published by any node.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan *Task
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of task changes. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan *Task {
	return s.events
}

// Errors returns decoding errors. The subscription continues after them.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe streams task changes. The subscription is confirmed before
// Subscribe returns so no event published afterwards is missed.
func (r *RedisRepository) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, EventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to task events: %w", err)
	}

	eventsChan := make(chan *Task, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				t, err := decodeTask(msg.Payload)
				if err != nil {
					select {
					case errorsChan <- err:
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case eventsChan <- t:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: eventsChan, errors: errorsChan, cancel: cancel}, nil
}
