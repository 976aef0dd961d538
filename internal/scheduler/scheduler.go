// Package scheduler triggers agents periodically and guarantees, through
// the distributed lock, that at most one node runs a given agent at a time.
//
// Each agent moves through IDLE → LOCK_PENDING → RUNNING → (SUCCEEDED |
// FAILED) → IDLE on every node independently. There is no leader: a node
// that fails to take an agent's lock simply skips that tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dyluth/burrow/pkg/agent"
	"github.com/dyluth/burrow/pkg/cache"
	"github.com/dyluth/burrow/pkg/fault"
	"github.com/dyluth/burrow/pkg/lock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownAgent is returned by Tick for a name not in the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// releaseTimeout bounds the lock release issued after every run.
const releaseTimeout = 5 * time.Second

// Config holds the collaborators of a Scheduler.
type Config struct {
	// NodeID prefixes every lock token taken by this scheduler.
	NodeID   string
	Registry *agent.Registry
	Locker   lock.Locker
	Store    cache.Store

	Logger *slog.Logger
	Meter  metric.Meter
	Now    func() time.Time

	// OnTransition observes every state change. It runs with the
	// scheduler's lock held and must not call back into the Scheduler.
	OnTransition func(agent string, from, to State)
}

type agentSlot struct {
	reg      agent.Registration
	tunables agent.Tunables
	state    State
	status   AgentStatus
}

// Scheduler runs the agents of a Registry.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	mu    sync.Mutex
	slots map[string]*agentSlot
	order []string

	// abandoned tracks runs that outlived their guard and are still
	// finishing in the background.
	abandoned sync.WaitGroup
}

// New validates cfg and builds a scheduler for every registered agent.
func New(cfg Config) (*Scheduler, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Meter == nil {
		cfg.Meter = noop.NewMeterProvider().Meter("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "scheduler", "node_id", cfg.NodeID),
		metrics: m,
		slots:   make(map[string]*agentSlot),
	}
	for _, reg := range cfg.Registry.Registrations() {
		tun := reg.Tunables()
		if err := tun.Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: %w", reg.Agent.Name(), err)
		}
		name := reg.Agent.Name()
		s.slots[name] = &agentSlot{
			reg:      reg,
			tunables: tun,
			state:    StateIdle,
			status: AgentStatus{
				Agent:     name,
				Provider:  reg.Provider.Name(),
				Namespace: reg.Provider.Namespace(),
				State:     StateIdle,
			},
		}
		s.order = append(s.order, name)
	}
	return s, nil
}

// Run starts one loop per agent and blocks until ctx is cancelled. Each
// loop ticks immediately and then every Interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "event_type", "scheduler_started", "agents", len(s.order))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.order {
		slot := s.slots[name]
		g.Go(func() error {
			s.loop(gctx, slot)
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info("scheduler stopped", "event_type", "scheduler_stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, slot *agentSlot) {
	ticker := time.NewTicker(slot.tunables.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		res := s.tick(ctx, slot)
		s.metrics.recordTick(context.WithoutCancel(ctx), res)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling tick of the named agent synchronously.
// The error is non-nil only for an unknown agent; run failures are
// reported in the TickResult.
func (s *Scheduler) Tick(ctx context.Context, name string) (TickResult, error) {
	slot, ok := s.slots[name]
	if !ok {
		return TickResult{}, fmt.Errorf("%w %q", ErrUnknownAgent, name)
	}
	res := s.tick(ctx, slot)
	s.metrics.recordTick(context.WithoutCancel(ctx), res)
	return res, nil
}

// Status returns a snapshot of every agent, in registration order.
func (s *Scheduler) Status() []AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AgentStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.slots[name].status)
	}
	return out
}

// Drain waits for abandoned runs to return and release their locks, or
// for ctx to end.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.abandoned.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition moves slot to state. Caller holds s.mu.
func (s *Scheduler) transition(slot *agentSlot, to State) {
	from := slot.state
	if !canTransition(from, to) {
		s.logger.Error("illegal state transition", "agent", slot.status.Agent, "from", from, "to", to)
	}
	slot.state = to
	slot.status.State = to
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(slot.status.Agent, from, to)
	}
}

type runResult struct {
	entries []cache.Entry
	err     error
}

func (s *Scheduler) tick(ctx context.Context, slot *agentSlot) TickResult {
	name := slot.reg.Agent.Name()
	tun := slot.tunables
	logger := s.logger.With("agent", name, "provider", slot.status.Provider)
	res := TickResult{Agent: name}

	s.mu.Lock()
	if slot.status.Disabled {
		s.mu.Unlock()
		res.Outcome = OutcomeDisabled
		return res
	}
	if slot.state != StateIdle {
		state, started := slot.state, slot.status.RunStarted
		s.mu.Unlock()

		if state == StateRunning && s.cfg.Now().Sub(started) > tun.MaxRuntime {
			res.Outcome = OutcomeOverdue
			logger.Warn("previous run still in progress past max runtime, skipping",
				"event_type", "agent_overdue",
				"run_started", started,
				"max_runtime", tun.MaxRuntime)
			return res
		}
		res.Outcome = OutcomeBusy
		logger.Debug("previous run still in progress, skipping", "state", state)
		return res
	}
	s.transition(slot, StateLockPending)
	s.mu.Unlock()

	token := s.cfg.NodeID + ":" + uuid.NewString()
	leaseEnd := s.cfg.Now().Add(tun.Timeout)
	acquired, err := s.cfg.Locker.TryAcquire(ctx, name, token, tun.Timeout)
	if !acquired {
		s.mu.Lock()
		s.transition(slot, StateIdle)
		s.mu.Unlock()

		res.Outcome = OutcomeLocked
		res.Err = err
		if err != nil {
			logger.Debug("lock store unavailable, skipping", "error", err)
		} else {
			logger.Debug("agent locked by another node, skipping")
		}
		return res
	}

	start := s.cfg.Now()
	s.mu.Lock()
	s.transition(slot, StateRunning)
	slot.status.RunStarted = start
	slot.status.Runs++
	s.mu.Unlock()
	s.metrics.runStarted(context.WithoutCancel(ctx), name, 1)

	logger.Info("agent run started", "event_type", "agent_run_started", "token", token)

	// The agent's context ends with its lock so well-behaved agents stop
	// before ownership can pass to another node.
	runCtx, cancel := context.WithTimeout(ctx, tun.Timeout)
	done := make(chan runResult, 1)
	go func() {
		entries, err := s.execute(runCtx, slot, token)
		done <- runResult{entries: entries, err: err}
	}()

	timer := time.NewTimer(tun.MaxRuntime)
	defer timer.Stop()

	select {
	case r := <-done:
		cancel()
		return s.complete(ctx, slot, token, start, leaseEnd, r)
	case <-timer.C:
		res.Err = fault.Errorf(fault.KindAgentExecution, "scheduler.run",
			"run exceeded max runtime %v", tun.MaxRuntime)
	case <-ctx.Done():
		res.Err = fault.New(fault.KindAgentExecution, "scheduler.run", ctx.Err())
	}

	res.Outcome = OutcomeAbandoned
	res.Duration = s.cfg.Now().Sub(start)
	logger.Warn("agent run abandoned, results will be discarded",
		"event_type", "agent_run_abandoned",
		"duration", res.Duration,
		"error", res.Err)

	s.mu.Lock()
	slot.status.LastOutcome = OutcomeAbandoned
	slot.status.LastError = res.Err.Error()
	slot.status.Failures++
	s.mu.Unlock()

	s.abandoned.Add(1)
	go func() {
		defer s.abandoned.Done()
		defer cancel()
		<-done
		s.release(ctx, name, token, logger)
		s.metrics.runStarted(context.WithoutCancel(ctx), name, -1)

		s.mu.Lock()
		s.transition(slot, StateFailed)
		s.transition(slot, StateIdle)
		s.mu.Unlock()
		logger.Info("abandoned run returned", "event_type", "agent_run_reaped")
	}()

	return res
}

// execute loads prior-run metadata and runs the agent. It never writes.
func (s *Scheduler) execute(ctx context.Context, slot *agentSlot, token string) ([]cache.Entry, error) {
	reg := slot.reg
	name := reg.Agent.Name()
	ns := reg.Provider.Namespace()

	prior, err := s.cfg.Store.LastGeneration(ctx, ns, name)
	if err != nil {
		if fault.KindOf(err) != fault.KindUnknown {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load previous generation: %w", err)
	}

	ec := agent.ExecutionContext{
		Provider:    reg.Provider.Name(),
		Namespace:   ns,
		Credentials: reg.Provider.Credentials(),
		LastSuccess: prior.WrittenAt,
		Generation:  prior,
		Tunables:    slot.tunables,
		Token:       token,
	}

	entries, err := invoke(ctx, reg.Agent, ec)
	if err != nil {
		if fault.KindOf(err) != fault.KindUnknown {
			return nil, err
		}
		return nil, fault.New(fault.KindAgentExecution, "scheduler.run", err)
	}
	if err := agent.CheckTypes(reg.Agent, entries); err != nil {
		return nil, fault.New(fault.KindAgentExecution, "scheduler.run", err)
	}
	return entries, nil
}

// invoke calls the agent, converting a panic into an execution failure.
func invoke(ctx context.Context, a agent.Agent, ec agent.ExecutionContext) (entries []cache.Entry, err error) {
	defer func() {
		if p := recover(); p != nil {
			entries = nil
			err = fault.Errorf(fault.KindAgentExecution, "scheduler.run", "agent %s panicked: %v", a.Name(), p)
		}
	}()
	return a.Run(ctx, ec)
}

// complete writes a finished run's entries, releases the lock and returns
// the agent to IDLE. The write only happens while the lease taken at
// acquisition is still running, and is cut off when it ends.
func (s *Scheduler) complete(ctx context.Context, slot *agentSlot, token string, start, leaseEnd time.Time, r runResult) TickResult {
	name := slot.reg.Agent.Name()
	logger := s.logger.With("agent", name, "provider", slot.status.Provider)
	res := TickResult{Agent: name}

	err := r.err
	if err == nil {
		err = s.write(ctx, slot, leaseEnd, r.entries, &res)
	}

	s.release(ctx, name, token, logger)
	s.metrics.runStarted(context.WithoutCancel(ctx), name, -1)
	res.Duration = s.cfg.Now().Sub(start)

	s.mu.Lock()
	if err == nil {
		s.transition(slot, StateSucceeded)
		res.Outcome = OutcomeSucceeded
		res.Entries = len(r.entries)
		slot.status.LastOutcome = OutcomeSucceeded
		slot.status.LastError = ""
		slot.status.LastSuccess = res.Generation.WrittenAt
		slot.status.Generation = res.Generation
	} else {
		s.transition(slot, StateFailed)
		res.Outcome = OutcomeFailed
		res.Err = err
		slot.status.LastOutcome = OutcomeFailed
		slot.status.LastError = err.Error()
		slot.status.Failures++
		if fault.Is(err, fault.KindUnsupportedOperation) {
			slot.status.Disabled = true
		}
	}
	disabled := slot.status.Disabled
	s.transition(slot, StateIdle)
	s.mu.Unlock()

	switch {
	case err == nil:
		logger.Info("agent run succeeded",
			"event_type", "agent_run_succeeded",
			"entries", res.Entries,
			"generation", res.Generation.Seq,
			"duration", res.Duration)
	case disabled:
		logger.Error("agent disabled after unsupported cache operation",
			"event_type", "agent_disabled",
			"error", err)
	default:
		logger.Warn("agent run failed, previous generation kept",
			"event_type", "agent_run_failed",
			"kind", fault.KindOf(err).String(),
			"duration", res.Duration,
			"error", err)
	}
	return res
}

// write publishes entries if the run's lease has time left. Another node
// may take the lock once it expires, so an expired lease discards the run.
func (s *Scheduler) write(ctx context.Context, slot *agentSlot, leaseEnd time.Time, entries []cache.Entry, res *TickResult) error {
	remaining := leaseEnd.Sub(s.cfg.Now())
	if remaining <= 0 {
		return fault.Errorf(fault.KindTransientCoordination, "scheduler.write",
			"lock lease expired %v before the write, results discarded", -remaining)
	}

	wctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	gen, err := s.cfg.Store.Write(wctx, slot.reg.Provider.Namespace(), slot.reg.Agent.Name(), entries)
	if err != nil {
		return err
	}
	res.Generation = gen
	return nil
}

// release frees the run's lock. A false result means the lock already
// expired or passed to another owner.
func (s *Scheduler) release(ctx context.Context, name, token string, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := s.cfg.Locker.Release(rctx, name, token)
	switch {
	case err != nil:
		logger.Warn("failed to release lock, it will expire", "error", err)
	case !released:
		logger.Warn("lock was no longer held at release", "event_type", "lock_lost")
	}
}
