package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/burrow/internal/node"
	"github.com/spf13/cobra"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a burrow node",
		Long: `Run a burrow node until SIGINT or SIGTERM.

The node schedules every agent in burrow.yml, supervises task deadlines and
serves /healthz, /status, /metrics, POST /agents/{name}/refresh and
GET /tasks/{id} on node.health_addr.

Environment:
  BURROW_CONFIG   path to burrow.yml (default ./burrow.yml)
  REDIS_URL       overrides redis.url
  BURROW_NODE_ID  overrides node.id`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)

			cfg, err := flags.loadConfig()
			if err != nil {
				return configError(p, flags.configPath, err)
			}

			n, err := node.New(cfg)
			if err != nil {
				return p.ErrorWithContext("failed to start node", err.Error(),
					map[string]string{"node": cfg.Node.ID}, nil)
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := n.Run(ctx); err != nil {
				return p.ErrorWithContext("node stopped with an error", err.Error(),
					map[string]string{"node": cfg.Node.ID, "redis": cfg.Redis.URL}, nil)
			}
			return nil
		},
	}
}

// commandContext returns the command's context, or Background when run
// outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
