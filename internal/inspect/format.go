package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/burrow/internal/printer"
	"github.com/dyluth/burrow/pkg/cache"
	"github.com/dyluth/burrow/pkg/task"
)

// FormatEntriesTable writes entries as a table with columns ID, AGENT,
// GEN, AGE, RELS and ATTRIBUTES (truncated). Returns the number of rows.
func FormatEntriesTable(w io.Writer, entries []cache.Entry, namespace, typ string, now time.Time) int {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No %s entries found in namespace '%s'\n", typ, namespace)
		return 0
	}

	fmt.Fprintf(w, "%s entries in namespace '%s':\n\n", typ, namespace)
	fmt.Fprintf(w, "%-24s %-18s %-5s %-8s %-4s %s\n",
		"ID", "AGENT", "GEN", "AGE", "RELS", "ATTRIBUTES")
	fmt.Fprintf(w, "%-24s %-18s %-5s %-8s %-4s %s\n",
		"------------------------", "------------------", "-----", "--------", "----", "----------------------------------------")

	for _, e := range entries {
		fmt.Fprintf(w, "%-24s %-18s %-5s %-8s %-4d %s\n",
			truncate(e.Key.ID, 24),
			truncate(e.Generation.Agent, 18),
			formatSeq(e.Generation.Seq),
			formatAge(e.Generation.WrittenAt, now),
			len(e.Relationships),
			formatAttributes(e.Attributes),
		)
	}

	noun := "entry"
	if len(entries) != 1 {
		noun = "entries"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(entries), noun)
	return len(entries)
}

// FormatJSONL writes one compact JSON object per line, for jq.
func FormatJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes v as indented JSON followed by a newline.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// FormatTask writes a task as aligned key/value lines.
func FormatTask(w io.Writer, t *task.Task, now time.Time) {
	fmt.Fprintf(w, "Task:      %s\n", t.ID)
	fmt.Fprintf(w, "Status:    %s\n", printer.Status(string(t.Status)))
	fmt.Fprintf(w, "Created:   %s (%s)\n", t.CreatedAt.Format(time.RFC3339), formatAge(t.CreatedAt, now))
	fmt.Fprintf(w, "Deadline:  %s\n", t.Deadline.Format(time.RFC3339))
	if !t.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Finished:  %s (took %s)\n", t.FinishedAt.Format(time.RFC3339), t.FinishedAt.Sub(t.CreatedAt).Round(time.Millisecond))
	}
	if t.Failure != nil {
		fmt.Fprintf(w, "Failure:   %s: %s\n", t.Failure.Kind, t.Failure.Message)
	}
	if len(t.Result) > 0 {
		fmt.Fprintf(w, "Result:    %s\n", formatAttributes(t.Result))
	}
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatSeq(seq int64) string {
	if seq == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", seq)
}

// formatAttributes renders attributes as compact JSON cut to 40 characters.
func formatAttributes(attrs map[string]any) string {
	if len(attrs) == 0 {
		return "-"
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "<unprintable>"
	}
	return truncate(string(data), 40)
}

// formatAge shows how long before now t was, as "2m ago", "1h ago" and so on.
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < 0:
		return "future"
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
