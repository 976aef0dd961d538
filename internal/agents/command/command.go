// Package command implements an agent that runs an external program and
// reads cache entries from its standard output.
//
// Contract with the program:
//   - stdin receives one JSON document (Input) and is then closed
//   - provider credentials are exported as BURROW_CRED_<NAME> variables
//   - stdout carries one JSON object per line (Output); blank lines are ignored
//   - a non-zero exit status fails the run
//
// The program speaks whatever wire protocol its external system needs;
// burrow only sees the entries.
package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dyluth/burrow/pkg/agent"
	"github.com/dyluth/burrow/pkg/cache"
)

// DefaultMaxOutput is the maximum number of bytes read from stdout and stderr (10MB).
const DefaultMaxOutput = 10 * 1024 * 1024

// waitDelay bounds how long Run waits for output pipes after cancellation.
const waitDelay = time.Second

// credentialEnvPrefix prefixes every credential passed in the environment.
const credentialEnvPrefix = "BURROW_CRED_"

// Config describes one command agent.
type Config struct {
	Name    string
	Types   []string
	Command []string
	Dir     string

	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string

	// MaxOutput caps captured stdout/stderr. Zero means DefaultMaxOutput.
	MaxOutput int
}

// Validate checks the agent can be constructed.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("command agent name is required")
	}
	if len(c.Types) == 0 {
		return fmt.Errorf("command agent %s: at least one type is required", c.Name)
	}
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("command agent %s: command is required", c.Name)
	}
	if c.MaxOutput < 0 {
		return fmt.Errorf("command agent %s: max output must not be negative", c.Name)
	}
	return nil
}

// Input is the document written to the program's stdin.
type Input struct {
	Agent       string    `json:"agent"`
	Provider    string    `json:"provider"`
	Namespace   string    `json:"namespace"`
	Types       []string  `json:"types"`
	Token       string    `json:"token"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastSeq     int64     `json:"last_seq"`
}

// Output is one line of the program's stdout.
type Output struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Relationships []cache.Key    `json:"relationships,omitempty"`
}

// Agent runs Config.Command once per scheduling tick.
type Agent struct {
	cfg    Config
	logger *slog.Logger
}

var _ agent.Agent = (*Agent)(nil)

// New validates cfg and returns a command agent.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxOutput == 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:    cfg,
		logger: logger.With("agent", cfg.Name),
	}, nil
}

func (a *Agent) Name() string    { return a.cfg.Name }
func (a *Agent) Types() []string { return append([]string(nil), a.cfg.Types...) }

// Run executes the program and parses its output.
func (a *Agent) Run(ctx context.Context, ec agent.ExecutionContext) ([]cache.Entry, error) {
	input, err := json.Marshal(Input{
		Agent:       a.cfg.Name,
		Provider:    ec.Provider,
		Namespace:   ec.Namespace,
		Types:       a.cfg.Types,
		Token:       ec.Token,
		LastSuccess: ec.LastSuccess,
		LastSeq:     ec.Generation.Seq,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command input: %w", err)
	}

	start := time.Now()
	exitCode, stdout, stderr, err := a.execute(ctx, input, ec.Credentials)
	duration := time.Since(start)
	if err != nil {
		a.logger.Warn("command failed",
			"exit_code", exitCode,
			"duration", duration,
			"stderr", truncate(stderr, 500),
			"error", err)
		return nil, err
	}

	entries, err := ParseOutput(stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse output of %s: %w", a.cfg.Name, err)
	}

	a.logger.Debug("command completed", "duration", duration, "entries", len(entries))
	return entries, nil
}

// execute runs the subprocess with bounded output.
// exitCode is -1 when the process could not be started or was killed.
func (a *Agent) execute(ctx context.Context, input []byte, creds map[string]string) (int, []byte, string, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Command[0], a.cfg.Command[1:]...)
	cmd.Dir = a.cfg.Dir
	cmd.Env = append(os.Environ(), a.cfg.Env...)
	cmd.Env = append(cmd.Env, credentialEnv(creds)...)
	cmd.Stdin = bytes.NewReader(input)
	// Grandchildren may hold stdout open after the process is killed.
	cmd.WaitDelay = waitDelay

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: a.cfg.MaxOutput}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: a.cfg.MaxOutput}

	err := cmd.Run()

	if stdoutBuf.Len() >= a.cfg.MaxOutput || stderrBuf.Len() >= a.cfg.MaxOutput {
		return -1, stdoutBuf.Bytes(), stderrBuf.String(), fmt.Errorf("command output exceeded %d bytes", a.cfg.MaxOutput)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			code := exitErr.ExitCode()
			return code, stdoutBuf.Bytes(), stderrBuf.String(), fmt.Errorf("process exited with code %d", code)
		}
		if ctx.Err() != nil {
			return -1, stdoutBuf.Bytes(), stderrBuf.String(), fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return -1, stdoutBuf.Bytes(), stderrBuf.String(), fmt.Errorf("failed to run command: %w", err)
	}

	return 0, stdoutBuf.Bytes(), stderrBuf.String(), nil
}

// credentialEnv maps credential names to BURROW_CRED_* variables.
// Names are upper-cased and any character outside [A-Z0-9_] becomes '_'.
func credentialEnv(creds map[string]string) []string {
	env := make([]string, 0, len(creds))
	for name, value := range creds {
		env = append(env, credentialEnvPrefix+envName(name)+"="+value)
	}
	return env
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// ParseOutput decodes JSON lines into entries.
func ParseOutput(stdout []byte) ([]cache.Entry, error) {
	var entries []cache.Entry
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxOutput)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var out Output
		if err := json.Unmarshal(text, &out); err != nil {
			return nil, fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}
		e := cache.Entry{
			Key:           cache.Key{Type: out.Type, ID: out.ID},
			Attributes:    out.Attributes,
			Relationships: out.Relationships,
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return entries, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}
	n, err := lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
