package scheduler

import (
	"time"

	"github.com/dyluth/burrow/pkg/cache"
)

// State is the per-agent scheduling state on one node.
type State string

const (
	StateIdle        State = "IDLE"
	StateLockPending State = "LOCK_PENDING"
	StateRunning     State = "RUNNING"
	StateSucceeded   State = "SUCCEEDED"
	StateFailed      State = "FAILED"
)

// legal lists the transitions the state machine allows.
var legal = map[State][]State{
	StateIdle:        {StateLockPending},
	StateLockPending: {StateRunning, StateIdle},
	StateRunning:     {StateSucceeded, StateFailed},
	StateSucceeded:   {StateIdle},
	StateFailed:      {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome summarises what one tick did.
type Outcome string

const (
	// OutcomeSucceeded: the agent ran and its entries were written.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed: the agent or the write failed; the previous
	// generation is untouched.
	OutcomeFailed Outcome = "failed"
	// OutcomeLocked: another holder owns the lock or the lock store was
	// unreachable.
	OutcomeLocked Outcome = "locked"
	// OutcomeBusy: the previous run on this node is still within its
	// runtime guard.
	OutcomeBusy Outcome = "busy"
	// OutcomeOverdue: the previous run on this node exceeded its runtime
	// guard and has not returned.
	OutcomeOverdue Outcome = "overdue"
	// OutcomeAbandoned: the run exceeded its runtime guard during this
	// tick; its results will be discarded.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeDisabled: the agent hit a configuration error earlier and is
	// no longer scheduled on this node.
	OutcomeDisabled Outcome = "disabled"
)

// TickResult reports one tick of one agent.
type TickResult struct {
	Agent      string           `json:"agent"`
	Outcome    Outcome          `json:"outcome"`
	Generation cache.Generation `json:"generation,omitempty"`
	Entries    int              `json:"entries"`
	Duration   time.Duration    `json:"duration"`
	Err        error            `json:"-"`
}

// AgentStatus is a snapshot of one agent's scheduling state on this node.
type AgentStatus struct {
	Agent       string           `json:"agent"`
	Provider    string           `json:"provider"`
	Namespace   string           `json:"namespace"`
	State       State            `json:"state"`
	Disabled    bool             `json:"disabled"`
	RunStarted  time.Time        `json:"run_started,omitempty"`
	LastOutcome Outcome          `json:"last_outcome,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	LastSuccess time.Time        `json:"last_success,omitempty"`
	Generation  cache.Generation `json:"generation"`
	Runs        int64            `json:"runs"`
	Failures    int64            `json:"failures"`
}
