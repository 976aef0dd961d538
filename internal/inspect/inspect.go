// Package inspect reads cache entries and tasks for the operator CLI.
// It never triggers an agent run.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/dyluth/burrow/internal/timespec"
	"github.com/dyluth/burrow/pkg/cache"
	"github.com/dyluth/burrow/pkg/task"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputFormatDefault is a human-readable table.
	OutputFormatDefault OutputFormat = "default"
	// OutputFormatJSONL writes one JSON object per line.
	OutputFormatJSONL OutputFormat = "jsonl"
	// OutputFormatJSON writes one indented JSON document.
	OutputFormatJSON OutputFormat = "json"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL, OutputFormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format: %s (use 'default', 'jsonl' or 'json')", s)
}

// Filter narrows a listing. All criteria are ANDed.
type Filter struct {
	Agent   string         // Exact match on the producing agent
	IDGlob  string         // path.Match pattern on the entry id
	Written timespec.Range // Generation write time
}

func (f *Filter) matches(e *cache.Entry) bool {
	if f == nil {
		return true
	}
	if f.Agent != "" && e.Generation.Agent != f.Agent {
		return false
	}
	if f.IDGlob != "" {
		if ok, err := path.Match(f.IDGlob, e.Key.ID); err != nil || !ok {
			return false
		}
	}
	return f.Written.Contains(e.Generation.WrittenAt)
}

// ListEntries streams every entry of typ in namespace, applies the filter,
// sorts by id and writes them in the requested format.
func ListEntries(ctx context.Context, store cache.Store, namespace, typ string, format OutputFormat, filter *Filter, now time.Time, w io.Writer) error {
	if filter != nil && filter.IDGlob != "" {
		if _, err := path.Match(filter.IDGlob, ""); err != nil {
			return fmt.Errorf("invalid id pattern %q: %w", filter.IDGlob, err)
		}
	}

	it := store.ReadAll(ctx, namespace, typ)
	entries := []cache.Entry{}
	for it.Next(ctx) {
		e := it.Entry()
		if filter.matches(&e) {
			entries = append(entries, e)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to read %s entries: %w", typ, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.ID < entries[j].Key.ID
	})

	switch format {
	case OutputFormatDefault:
		FormatEntriesTable(w, entries, namespace, typ, now)
	case OutputFormatJSONL:
		return FormatJSONL(w, entries)
	case OutputFormatJSON:
		return FormatJSON(w, entries)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}

// NotFoundError reports a missing entry or task.
type NotFoundError struct {
	What string // "entry" or "task"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.What, e.Ref)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// GetEntry writes one entry as indented JSON.
func GetEntry(ctx context.Context, store cache.Store, namespace, typ, id string, w io.Writer) error {
	e, err := store.Read(ctx, namespace, typ, id)
	if err != nil {
		if cache.IsNotFound(err) {
			return &NotFoundError{What: "entry", Ref: namespace + ":" + cache.Key{Type: typ, ID: id}.String()}
		}
		return fmt.Errorf("failed to read entry: %w", err)
	}
	return FormatJSON(w, e)
}

// GetTask writes one task in the requested format.
func GetTask(ctx context.Context, repo task.Repository, id string, format OutputFormat, now time.Time, w io.Writer) error {
	t, err := repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return &NotFoundError{What: "task", Ref: id}
		}
		return fmt.Errorf("failed to read task: %w", err)
	}

	switch format {
	case OutputFormatDefault:
		FormatTask(w, t, now)
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, []*task.Task{t})
	case OutputFormatJSON:
		return FormatJSON(w, t)
	}
	return fmt.Errorf("unknown output format: %s", format)
}
