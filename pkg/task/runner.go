package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dyluth/burrow/pkg/fault"
)

// Operation is the work behind a task. ctx carries the task id (see
// IDFromContext) and is detached from the submitter's cancellation.
type Operation func(ctx context.Context) (map[string]any, error)

// Runner starts operations in their own goroutines and records their
// outcome in a Repository.
type Runner struct {
	repo   Repository
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a runner over repo.
func NewRunner(repo Repository, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{repo: repo, logger: logger.With("component", "task-runner")}
}

// Submit registers a task with the given deadline and starts op. It
// returns once the task is RUNNING; the outcome is observable with
// Repository.Get.
func (r *Runner) Submit(ctx context.Context, id string, deadline time.Time, op Operation) (*Task, error) {
	t, err := r.repo.Create(ctx, id, deadline)
	if err != nil {
		return nil, err
	}

	opCtx := WithID(context.WithoutCancel(ctx), id)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(opCtx, id, op)
	}()
	return t, nil
}

func (r *Runner) execute(ctx context.Context, id string, op Operation) {
	logger := r.logger.With("task_id", id)

	result, err := r.invoke(ctx, op)

	status, payload := StatusCompleted, Payload{Result: result}
	if err != nil {
		status, payload = StatusFailed, Payload{Result: result, Err: err}
	}

	// The operation's own context may already be cancelled; recording the
	// outcome must still happen.
	if _, uerr := r.repo.Update(context.WithoutCancel(ctx), id, status, payload); uerr != nil {
		if fault.Is(uerr, fault.KindInvalidTransition) {
			logger.Warn("dropping late task result", "status", status, "error", uerr)
			return
		}
		logger.Error("failed to record task result", "status", status, "error", uerr)
		return
	}
	logger.Info("task finished", "event_type", "task_finished", "status", status)
}

// invoke runs op, converting a panic into an execution failure.
func (r *Runner) invoke(ctx context.Context, op Operation) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fault.Errorf(fault.KindAgentExecution, "task.run", "operation panicked: %v", p)
		}
	}()
	return op(ctx)
}

// Wait blocks until every submitted operation has returned and its outcome
// has been recorded.
func (r *Runner) Wait() {
	r.wg.Wait()
}
