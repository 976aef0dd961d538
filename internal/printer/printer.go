// Package printer writes operator-facing CLI messages.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes messages to an output and an error stream.
type Printer struct {
	out io.Writer
	err io.Writer
}

// New creates a printer. Colors follow fatih/color's terminal detection
// and the NO_COLOR convention.
func New(out, errOut io.Writer) *Printer {
	return &Printer{out: out, err: errOut}
}

// Default writes to stdout and stderr.
func Default() *Printer {
	return New(os.Stdout, os.Stderr)
}

// Out returns the output stream.
func (p *Printer) Out() io.Writer { return p.out }

// Success prints a green message with a checkmark prefix.
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Info prints a plain message.
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a yellow message to the error stream.
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.err, msg)
}

// Step prints a step of a multi-step operation.
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a title, an explanation and suggestions to the error stream
// and returns an error carrying only the title, for cobra's SilenceErrors.
func (p *Printer) Error(title, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error plus key/value details, printed sorted by key.
func (p *Printer) ErrorWithContext(title, explanation string, details map[string]string, suggestions []string) error {
	red.Fprintf(p.err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.err, "%s\n", explanation)
	}

	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(p.err)
		for _, k := range keys {
			fmt.Fprintf(p.err, "  %s: %s\n", k, details[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(p.err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(p.err, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(p.err, "  %d. %s\n", i+1, s)
		}
	}

	return fmt.Errorf("%s", title)
}

// Status colors a lifecycle word: green for success, red for failure,
// yellow for timeouts and skips, cyan for in-flight work.
func Status(s string) string {
	switch strings.ToLower(s) {
	case "completed", "succeeded", "connected", "healthy":
		return green.Sprint(s)
	case "failed", "disabled", "unhealthy", "disconnected":
		return red.Sprint(s)
	case "timed_out", "abandoned", "overdue", "busy", "locked":
		return yellow.Sprint(s)
	case "running", "lock_pending":
		return cyan.Sprint(s)
	case "", "-":
		return faint.Sprint("-")
	}
	return s
}
