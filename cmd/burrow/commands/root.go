package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/printer"
	"github.com/dyluth/burrow/pkg/cache"
	"github.com/dyluth/burrow/pkg/task"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var versionString = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	redisURL   string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "burrow",
		Short: "Burrow - distributed polling cache",
		Long: `Burrow periodically runs agents that fetch the state of external systems
and publishes their results into a Redis-backed cache shared by every node.

A distributed lock guarantees that each agent runs on at most one node at a
time. Readers only ever see complete agent runs.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c",
		config.PathFromEnv(os.LookupEnv), "Path to burrow.yml (env BURROW_CONFIG)")
	root.PersistentFlags().StringVar(&flags.redisURL, "redis-url", "",
		"Redis URL, overrides the config file and REDIS_URL")

	root.AddCommand(
		newRunCmd(flags),
		newCacheCmd(flags),
		newTaskCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// loadConfig reads the config file and applies environment and flag
// overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if f.redisURL != "" {
		cfg.Redis.URL = f.redisURL
		cfg.Redis.Memory = false
	}
	return cfg, nil
}

// resolveRedisURL picks --redis-url, then REDIS_URL, then the config file,
// then the default. Inspection commands work without a config file.
func (f *globalFlags) resolveRedisURL() (string, *config.Config) {
	if f.redisURL != "" {
		return f.redisURL, nil
	}
	if url, ok := os.LookupEnv(config.EnvRedisURL); ok && url != "" {
		return url, nil
	}
	if cfg, err := f.loadConfig(); err == nil {
		if cfg.Redis.Memory {
			return "", cfg
		}
		return cfg.Redis.URL, cfg
	}
	return config.DefaultRedisURL, nil
}

// backends is a connection to the shared store for inspection commands.
type backends struct {
	rdb   *redis.Client
	store *cache.RedisStore
	tasks *task.RedisRepository
	url   string
}

func (b *backends) Close() error {
	return b.rdb.Close()
}

func (f *globalFlags) connect(ctx context.Context, p *printer.Printer) (*backends, error) {
	url, cfg := f.resolveRedisURL()
	if url == "" {
		return nil, p.Error(
			"no shared backend configured",
			"The configuration runs nodes on in-process memory backends, which cannot be inspected from outside the node.",
			[]string{"Pass the Redis URL of the cluster:\n  burrow --redis-url redis://host:6379 ..."},
		)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, p.ErrorWithContext("invalid Redis URL", err.Error(), map[string]string{"url": url}, nil)
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, p.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis: %v", err),
			map[string]string{"url": url},
			[]string{
				"Check the node's redis.url in burrow.yml",
				"Override it:\n  burrow --redis-url redis://host:6379 ...",
			},
		)
	}

	cacheCfg := cache.Config{}
	retention := task.DefaultRetention
	if cfg != nil {
		cacheCfg.IndexedTypes = cfg.Cache.IndexedTypes
		if cfg.Cache.StaleGrace != nil {
			cacheCfg.StaleGrace = cfg.Cache.StaleGrace.Std()
		}
		retention = cfg.Tasks.Retention.Std()
	}

	return &backends{
		rdb:   rdb,
		store: cache.NewRedisStore(rdb, cacheCfg),
		tasks: task.NewRedisRepository(rdb, retention, nil),
		url:   url,
	}, nil
}

// configError renders a config load failure.
func configError(p *printer.Printer, path string, err error) error {
	suggestions := []string{fmt.Sprintf("Fix the file and check it with:\n  burrow config validate -c %s", path)}
	if errors.Is(err, os.ErrNotExist) {
		suggestions = []string{"Create burrow.yml in the working directory, or point BURROW_CONFIG at it"}
	}
	return p.ErrorWithContext("invalid configuration", err.Error(), map[string]string{"path": path}, suggestions)
}
