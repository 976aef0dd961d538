package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps tasks in process. Terminal tasks are purged once
// their retention window has passed, lazily on access and on Overdue scans.
type MemoryRepository struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	retention time.Duration
	now       func() time.Time
}

// NewMemoryRepository creates an empty repository. A nil clock uses
// time.Now; zero retention uses DefaultRetention.
func NewMemoryRepository(retention time.Duration, now func() time.Time) *MemoryRepository {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		tasks:     make(map[string]*Task),
		retention: retention,
		now:       now,
	}
}

func clone(t *Task) *Task {
	c := *t
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// evicted reports whether a terminal task has outlived retention.
func (r *MemoryRepository) evicted(t *Task, now time.Time) bool {
	return t.Status.IsTerminal() && !now.Before(t.FinishedAt.Add(r.retention))
}

// lookup returns the live task with id. Caller holds r.mu.
func (r *MemoryRepository) lookup(id string, now time.Time) (*Task, bool) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	if r.evicted(t, now) {
		delete(r.tasks, id)
		return nil, false
	}
	return t, true
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, id string, deadline time.Time) (*Task, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if _, ok := r.lookup(id, now); ok {
		return nil, ErrAlreadyExists
	}
	t := &Task{
		ID:        id,
		Status:    StatusRunning,
		CreatedAt: now,
		Deadline:  deadline,
	}
	r.tasks[id] = t
	return clone(t), nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(_ context.Context, id string, status Status, payload Payload) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t, ok := r.lookup(id, now)
	if !ok {
		return nil, ErrNotFound
	}
	next := clone(t)
	if err := applyUpdate(next, status, payload, now); err != nil {
		return nil, err
	}
	r.tasks[id] = next
	return clone(next), nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.lookup(id, r.now())
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

// Overdue implements Repository. It also purges expired terminal tasks.
func (r *MemoryRepository) Overdue(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, t := range r.tasks {
		if r.evicted(t, r.now()) {
			delete(r.tasks, id)
			continue
		}
		if t.Overdue(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Expire implements Repository.
func (r *MemoryRepository) Expire(_ context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.lookup(id, r.now())
	if !ok {
		return false, nil
	}
	next := clone(t)
	if !applyExpiry(next, now) {
		return false, nil
	}
	r.tasks[id] = next
	return true, nil
}
