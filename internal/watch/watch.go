// Package watch follows tasks as they change.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/burrow/internal/printer"
	"github.com/dyluth/burrow/pkg/task"
)

// OutputFormat selects how streamed tasks are written.
type OutputFormat string

const (
	// OutputFormatDefault writes one human-readable line per event.
	OutputFormatDefault OutputFormat = "default"
	// OutputFormatJSON writes one JSON object per line.
	OutputFormatJSON OutputFormat = "json"
)

// DefaultPollInterval is used by WaitForTask when interval is not positive.
const DefaultPollInterval = 200 * time.Millisecond

// WaitForTask polls repo until the task is terminal, ctx ends or timeout
// elapses. A task that is not visible yet is polled again.
func WaitForTask(ctx context.Context, repo task.Repository, id string, interval, timeout time.Duration) (*task.Task, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		t, err := repo.Get(ctx, id)
		switch {
		case err == nil && t.Status.IsTerminal():
			return t, nil
		case err != nil && !errors.Is(err, task.ErrNotFound):
			return nil, fmt.Errorf("failed to query task: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for task %s after %v", id, timeout)
		case <-ticker.C:
		}
	}
}

// Source delivers task events, e.g. a task.Subscription.
type Source interface {
	Events() <-chan *task.Task
	Errors() <-chan error
}

// StreamTasks writes every event from src until ctx ends or src closes.
// Decode errors are reported inline and streaming continues. When only is
// non-empty, events for other task ids are skipped and streaming stops
// once that task is terminal.
func StreamTasks(ctx context.Context, src Source, only string, format OutputFormat, w io.Writer) error {
	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  skipped malformed event: %v\n", err)

		case t, ok := <-events:
			if !ok {
				return nil
			}
			if only != "" && t.ID != only {
				continue
			}
			if err := writeEvent(w, t, format); err != nil {
				return err
			}
			if only != "" && t.Status.IsTerminal() {
				return nil
			}
		}
	}
}

func writeEvent(w io.Writer, t *task.Task, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	ts := t.CreatedAt
	if !t.FinishedAt.IsZero() {
		ts = t.FinishedAt
	}
	line := fmt.Sprintf("[%s] %s %s", ts.Format("15:04:05"), t.ID, printer.Status(string(t.Status)))
	if t.Failure != nil {
		line += fmt.Sprintf(" (%s: %s)", t.Failure.Kind, t.Failure.Message)
	} else if outcome, ok := t.Result["outcome"]; ok {
		line += fmt.Sprintf(" (%v)", outcome)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
