// Package agent defines the collection units that feed the cache and the
// providers that group them.
//
// An Agent is stateless between invocations. Everything a run needs is
// passed to it explicitly in an ExecutionContext; there is no ambient
// "current agent" or "current provider" lookup.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/burrow/pkg/cache"
)

// Agent fetches external state and returns it as typed cache entries.
type Agent interface {
	// Name identifies the agent. It is the lock name and must be unique
	// across every provider in a process.
	Name() string

	// Types lists the entry types the agent produces. Entries of any other
	// type returned by Run are rejected.
	Types() []string

	// Run performs one collection pass. It must honour ctx cancellation
	// where it can, but the scheduler does not rely on it.
	Run(ctx context.Context, ec ExecutionContext) ([]cache.Entry, error)
}

// Tunables are the per-agent scheduling knobs.
type Tunables struct {
	// Interval between scheduling ticks.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Timeout is the lock TTL. It bounds how long a crashed holder can
	// keep other nodes out.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRuntime is how long a run may take before the scheduler abandons
	// it. It must leave WriteHeadroom of Timeout for the cache write.
	MaxRuntime time.Duration `yaml:"max_runtime" json:"max_runtime"`
}

// Default tunables applied when configuration leaves them unset.
const (
	DefaultInterval   = 30 * time.Second
	DefaultTimeout    = 5 * time.Minute
	DefaultMaxRuntime = 4 * time.Minute
)

// WithDefaults fills zero fields.
func (t Tunables) WithDefaults() Tunables {
	if t.Interval == 0 {
		t.Interval = DefaultInterval
	}
	if t.Timeout == 0 {
		t.Timeout = DefaultTimeout
	}
	if t.MaxRuntime == 0 {
		t.MaxRuntime = t.Timeout * 4 / 5
		if DefaultMaxRuntime < t.MaxRuntime {
			t.MaxRuntime = DefaultMaxRuntime
		}
	}
	return t
}

// WriteHeadroom is the part of the lock TTL kept free after MaxRuntime so
// a run that finishes in time can still publish and release under its
// lease.
func (t Tunables) WriteHeadroom() time.Duration {
	return t.Timeout / 10
}

// Validate checks the tunables are usable. The lock must outlive the
// longest run so ownership is never lost mid-run.
func (t Tunables) Validate() error {
	if t.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", t.Interval)
	}
	if t.Timeout < time.Millisecond {
		return fmt.Errorf("timeout must be at least 1ms, got %v", t.Timeout)
	}
	if t.MaxRuntime <= 0 {
		return fmt.Errorf("max_runtime must be positive, got %v", t.MaxRuntime)
	}
	if limit := t.Timeout - t.WriteHeadroom(); t.MaxRuntime > limit {
		return fmt.Errorf("max_runtime (%v) must not exceed timeout (%v) minus 10%% write headroom, at most %v",
			t.MaxRuntime, t.Timeout, limit)
	}
	return nil
}

// ExecutionContext carries everything one run of an agent may use.
type ExecutionContext struct {
	Provider  string
	Namespace string

	// Credentials are the provider's raw credentials. Agents must not
	// retain them after Run returns.
	Credentials map[string]string

	// LastSuccess is when the agent's previous successful run was written,
	// zero if there was none. Incremental agents fetch changes since then.
	LastSuccess time.Time
	Generation  cache.Generation

	Tunables Tunables

	// Token is the lock owner token of this run.
	Token string
}

// String omits credentials so the context is safe to log.
func (ec ExecutionContext) String() string {
	keys := make([]string, 0, len(ec.Credentials))
	for k := range ec.Credentials {
		keys = append(keys, k)
	}
	return fmt.Sprintf("provider=%s namespace=%s token=%s last_success=%s credentials=[%s]",
		ec.Provider, ec.Namespace, ec.Token, ec.LastSuccess.Format(time.RFC3339), strings.Join(keys, ","))
}

// CheckTypes returns an error naming the first entry whose type is not
// declared by a.
func CheckTypes(a Agent, entries []cache.Entry) error {
	declared := make(map[string]bool)
	for _, t := range a.Types() {
		declared[t] = true
	}
	for _, e := range entries {
		if !declared[e.Key.Type] {
			return fmt.Errorf("agent %s returned entry %s of undeclared type %q", a.Name(), e.Key, e.Key.Type)
		}
	}
	return nil
}

// Func adapts a function into an Agent.
type Func struct {
	AgentName string
	Produces  []string
	Fn        func(ctx context.Context, ec ExecutionContext) ([]cache.Entry, error)
}

func (f *Func) Name() string    { return f.AgentName }
func (f *Func) Types() []string { return append([]string(nil), f.Produces...) }

func (f *Func) Run(ctx context.Context, ec ExecutionContext) ([]cache.Entry, error) {
	return f.Fn(ctx, ec)
}
