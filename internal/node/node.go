// Package node assembles one burrow process: backends, scheduler, task
// supervisor, telemetry and the health server.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/health"
	"github.com/dyluth/burrow/internal/scheduler"
	"github.com/dyluth/burrow/internal/telemetry"
	"github.com/dyluth/burrow/pkg/agent"
	"github.com/dyluth/burrow/pkg/cache"
	"github.com/dyluth/burrow/pkg/fault"
	"github.com/dyluth/burrow/pkg/lock"
	"github.com/dyluth/burrow/pkg/task"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds draining abandoned runs and stopping the
// health server.
const shutdownTimeout = 10 * time.Second

// Option customises a Node.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *agent.Registry
	rdb      redis.UniversalClient
	locker   lock.Locker
	now      func() time.Time
}

// WithLogger replaces the logger built from configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry replaces the command agents built from configuration,
// e.g. with in-process agents.
func WithRegistry(r *agent.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithRedisClient uses an existing client instead of dialling
// redis.url. The caller keeps ownership of the client.
func WithRedisClient(rdb redis.UniversalClient) Option {
	return func(o *options) { o.rdb = rdb }
}

// WithLocker replaces the lock backend chosen from configuration.
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Node is one running burrow process.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	rdb     redis.UniversalClient
	ownsRDB bool

	registry   *agent.Registry
	locker     lock.Locker
	store      cache.Store
	tasks      task.Repository
	runner     *task.Runner
	supervisor *task.Supervisor
	scheduler  *scheduler.Scheduler
	telemetry  *telemetry.Provider
	health     *health.Server
}

// New builds every component from cfg. Nothing is started and no network
// call is made until Run.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, now: o.now}
	n.logger = o.logger
	if n.logger == nil {
		n.logger = NewLogger(cfg.Logging, os.Stderr)
	}
	n.logger = n.logger.With("node_id", cfg.Node.ID)

	n.registry = o.registry
	if n.registry == nil {
		reg, err := BuildRegistry(cfg, n.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build agents: %w", err)
		}
		n.registry = reg
	}

	cacheCfg := cache.Config{
		IndexedTypes: cfg.Cache.IndexedTypes,
		StaleGrace:   cache.DefaultStaleGrace,
		Now:          n.now,
	}
	if cfg.Cache.StaleGrace != nil {
		cacheCfg.StaleGrace = cfg.Cache.StaleGrace.Std()
	}

	checks := make(map[string]health.Pinger)
	switch {
	case o.rdb != nil:
		n.rdb = o.rdb
	case !cfg.Redis.Memory:
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		n.rdb = redis.NewClient(redisOpts)
		n.ownsRDB = true
	}

	if n.rdb != nil {
		store := cache.NewRedisStore(n.rdb, cacheCfg)
		tasks := task.NewRedisRepository(n.rdb, cfg.Tasks.Retention.Std(), n.now)
		n.store, n.tasks = store, tasks
		n.locker = lock.NewRedisLocker(n.rdb)
		checks["redis"] = store
	} else {
		n.store = cache.NewMemoryStore(cacheCfg)
		n.tasks = task.NewMemoryRepository(cfg.Tasks.Retention.Std(), n.now)
		n.locker = lock.NewMemoryLocker(n.now)
	}
	if o.locker != nil {
		n.locker = o.locker
	}

	tel, err := telemetry.New()
	if err != nil {
		n.closeRedis()
		return nil, err
	}
	n.telemetry = tel

	n.scheduler, err = scheduler.New(scheduler.Config{
		NodeID:   cfg.Node.ID,
		Registry: n.registry,
		Locker:   n.locker,
		Store:    n.store,
		Logger:   n.logger,
		Meter:    tel.Meter(),
		Now:      n.now,
	})
	if err != nil {
		n.closeRedis()
		return nil, err
	}

	timedOut, err := tel.Meter().Int64Counter(
		"burrow.tasks.timed_out",
		metric.WithDescription("Tasks marked TIMED_OUT by the supervisor"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		n.closeRedis()
		return nil, fmt.Errorf("failed to create timed out counter: %w", err)
	}

	n.runner = task.NewRunner(n.tasks, n.logger)
	n.supervisor = task.NewSupervisor(n.tasks, cfg.Tasks.SweepInterval.Std(),
		task.WithClock(n.now),
		task.WithLogger(n.logger),
		task.OnExpire(func(string) { timedOut.Add(context.Background(), 1) }),
	)

	n.health = health.NewServer(health.Config{
		Addr:    cfg.Node.HealthAddr,
		NodeID:  cfg.Node.ID,
		Checks:  checks,
		Status:  n.scheduler,
		Metrics: tel.Handler(),
		Refresh: n,
		Tasks:   n.tasks,
		Logger:  n.logger,
	})

	return n, nil
}

// Scheduler exposes the node's scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.scheduler }

// Store exposes the node's cache store.
func (n *Node) Store() cache.Store { return n.store }

// Tasks exposes the node's task repository.
func (n *Node) Tasks() task.Repository { return n.tasks }

// Run verifies the backends, evicts retired agents, then runs the
// scheduler, the task supervisor and the health server until ctx is
// cancelled. Resources are released before Run returns.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()

	if n.rdb != nil {
		if err := n.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis not accessible: %w", err)
		}
	}

	if _, err := n.EvictRetired(ctx); err != nil {
		n.logger.Warn("failed to evict retired agents", "error", err)
	}

	if err := n.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	n.logger.Info("node started",
		"event_type", "node_started",
		"agents", len(n.registry.AgentNames()),
		"backend", n.backend(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.scheduler.Run(gctx) })
	g.Go(func() error { return n.supervisor.Run(gctx) })
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := n.health.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn("health server shutdown failed", "error", err)
	}
	if err := n.scheduler.Drain(shutdownCtx); err != nil {
		n.logger.Warn("abandoned runs still in flight at shutdown", "error", err)
	}
	n.runner.Wait()

	n.logger.Info("node stopped", "event_type", "node_stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// Refresh runs one tick of an agent now, tracked as a task whose
// deadline is the agent's lock timeout.
func (n *Node) Refresh(ctx context.Context, name string) (*task.Task, error) {
	reg, ok := n.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", scheduler.ErrUnknownAgent, name)
	}

	id := uuid.NewString()
	deadline := n.now().Add(reg.Tunables().Timeout)
	return n.runner.Submit(ctx, id, deadline, func(ctx context.Context) (map[string]any, error) {
		res, err := n.scheduler.Tick(ctx, name)
		if err != nil {
			return nil, err
		}
		return refreshResult(res)
	})
}

// refreshResult maps a tick to the task result. A tick that ran the agent
// without success, or that could not reach the lock store, fails the task.
func refreshResult(res scheduler.TickResult) (map[string]any, error) {
	result := map[string]any{
		"agent":   res.Agent,
		"outcome": string(res.Outcome),
		"entries": res.Entries,
	}
	if !res.Generation.IsZero() {
		result["generation"] = res.Generation.Seq
	}
	if res.Err != nil {
		result["error_kind"] = fault.KindOf(res.Err).String()
	}
	switch res.Outcome {
	case scheduler.OutcomeFailed, scheduler.OutcomeDisabled, scheduler.OutcomeAbandoned:
		if res.Err != nil {
			return result, res.Err
		}
		return result, fmt.Errorf("agent %s: %s", res.Agent, res.Outcome)
	case scheduler.OutcomeLocked:
		if res.Err != nil {
			return result, res.Err
		}
	}
	return result, nil
}

// EvictRetired removes entries of retired agents older than
// cache.retired_max_age and returns how many were removed.
func (n *Node) EvictRetired(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, r := range n.cfg.Cache.Retired {
		removed, err := n.store.EvictStale(ctx, r.Namespace, r.Agent, n.cfg.Cache.RetiredMaxAge.Std())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.Namespace, r.Agent, err))
			continue
		}
		if removed > 0 {
			n.logger.Info("evicted retired agent entries",
				"event_type", "cache_evicted",
				"namespace", r.Namespace,
				"agent", r.Agent,
				"removed", removed,
			)
		}
		total += removed
	}
	return total, errors.Join(errs...)
}

func (n *Node) backend() string {
	if n.rdb != nil {
		return "redis"
	}
	return "memory"
}

func (n *Node) close() {
	if err := n.telemetry.Shutdown(context.Background()); err != nil {
		n.logger.Warn("telemetry shutdown failed", "error", err)
	}
	n.closeRedis()
}

func (n *Node) closeRedis() {
	if n.ownsRDB && n.rdb != nil {
		_ = n.rdb.Close()
	}
}
