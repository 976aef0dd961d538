package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/burrow/internal/inspect"
	"github.com/dyluth/burrow/internal/timespec"
	"github.com/dyluth/burrow/internal/watch"
	"github.com/dyluth/burrow/pkg/task"
	"github.com/spf13/cobra"
)

func newCacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain cached entries",
		Long: `Inspect and maintain the entries agents have published.

Reads never trigger an agent run; they return what the last successful runs
wrote.`,
	}
	cmd.AddCommand(
		newCacheListCmd(flags),
		newCacheGetCmd(flags),
		newCacheEvictCmd(flags),
		newCacheRefreshCmd(flags),
	)
	return cmd
}

func newCacheListCmd(flags *globalFlags) *cobra.Command {
	var (
		namespace string
		output    string
		agentName string
		idGlob    string
		since     string
		until     string
	)

	cmd := &cobra.Command{
		Use:   "list TYPE",
		Short: "List entries of a type",
		Long: `List the current entries of one type in a namespace.

Output Formats:
  default - Human-readable table
  jsonl   - Line-delimited JSON, one entry per line
  json    - A single JSON array

Examples:
  # All instances cached by the aws provider
  burrow cache list Instance -N aws

  # Entries written by one agent in the last hour, for jq
  burrow cache list Instance -N aws --agent ec2-agent --since 1h -o jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			ctx := commandContext(cmd)

			format, err := inspect.ParseFormat(output)
			if err != nil {
				return p.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl, json"})
			}
			now := time.Now()
			window, err := timespec.ParseRange(since, until, now)
			if err != nil {
				return p.Error("invalid time filter", err.Error(), []string{"Use a duration like '1h30m' or '7d', or RFC3339"})
			}

			b, err := flags.connect(ctx, p)
			if err != nil {
				return err
			}
			defer b.Close()

			filter := &inspect.Filter{Agent: agentName, IDGlob: idGlob, Written: window}
			return inspect.ListEntries(ctx, b.store, namespace, args[0], format, filter, now, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "N", "", "Cache namespace (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default, jsonl or json")
	cmd.Flags().StringVar(&agentName, "agent", "", "Only entries written by this agent")
	cmd.Flags().StringVar(&idGlob, "id", "", "Only ids matching this glob pattern")
	cmd.Flags().StringVar(&since, "since", "", "Only entries written after this time (duration or RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "Only entries written before this time (duration or RFC3339)")
	_ = cmd.MarkFlagRequired("namespace")
	return cmd
}

func newCacheGetCmd(flags *globalFlags) *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "get TYPE ID",
		Short: "Show one entry as JSON",
		Long: `Show one entry, with its relationships and the generation that wrote it.
When several agents hold the same key the newest generation is shown.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			ctx := commandContext(cmd)

			b, err := flags.connect(ctx, p)
			if err != nil {
				return err
			}
			defer b.Close()

			err = inspect.GetEntry(ctx, b.store, namespace, args[0], args[1], cmd.OutOrStdout())
			if inspect.IsNotFound(err) {
				return p.Error("entry not found", err.Error(), []string{
					fmt.Sprintf("List what is cached:\n  burrow cache list %s -N %s", args[0], namespace),
				})
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "N", "", "Cache namespace (required)")
	_ = cmd.MarkFlagRequired("namespace")
	return cmd
}

func newCacheEvictCmd(flags *globalFlags) *cobra.Command {
	var (
		namespace string
		agentName string
		olderThan string
	)

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove an agent's stale generations",
		Long: `Remove every generation an agent wrote before now minus --older-than.
Use it for agents removed from configuration, whose entries are otherwise
never replaced.

Example:
  burrow cache evict -N aws --agent legacy-agent --older-than 7d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			ctx := commandContext(cmd)

			maxAge, err := timespec.ParseDuration(olderThan)
			if err != nil {
				return p.Error("invalid --older-than", err.Error(), nil)
			}

			b, err := flags.connect(ctx, p)
			if err != nil {
				return err
			}
			defer b.Close()

			removed, err := b.store.EvictStale(ctx, namespace, agentName, maxAge)
			if err != nil {
				return p.ErrorWithContext("eviction failed", err.Error(),
					map[string]string{"namespace": namespace, "agent": agentName}, nil)
			}
			p.Success("Evicted %d entries written by %s in %s more than %s ago\n", removed, agentName, namespace, olderThan)
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "N", "", "Cache namespace (required)")
	cmd.Flags().StringVar(&agentName, "agent", "", "Agent whose generations to evict (required)")
	cmd.Flags().StringVar(&olderThan, "older-than", "", "Minimum age, e.g. 24h or 7d (required)")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}

func newCacheRefreshCmd(flags *globalFlags) *cobra.Command {
	var (
		nodeURL string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "refresh AGENT",
		Short: "Ask a node to run an agent now",
		Long: `Ask a running node to run one agent immediately. The run is tracked as a
task; with --wait the command follows it until it finishes.

If another node holds the agent's lock the task completes with outcome
"locked" and nothing is run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			ctx := commandContext(cmd)

			endpoint := strings.TrimRight(nodeURL, "/") + "/agents/" + args[0] + "/refresh"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
			if err != nil {
				return p.Error("invalid node URL", err.Error(), nil)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return p.ErrorWithContext("node unreachable", err.Error(), map[string]string{"node": nodeURL},
					[]string{"Check node.health_addr of a running node"})
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				var body struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&body)
				return p.ErrorWithContext("refresh rejected", body.Error,
					map[string]string{"status": resp.Status, "agent": args[0]}, nil)
			}

			var t task.Task
			if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
				return fmt.Errorf("failed to decode task: %w", err)
			}
			p.Success("Refresh of %s started as task %s\n", args[0], t.ID)
			if !wait {
				return nil
			}

			b, err := flags.connect(ctx, p)
			if err != nil {
				return err
			}
			defer b.Close()

			done, err := watch.WaitForTask(ctx, b.tasks, t.ID, 0, timeout)
			if err != nil {
				return p.Error("task did not finish", err.Error(), []string{
					fmt.Sprintf("Check it later:\n  burrow task get %s", t.ID),
				})
			}
			inspect.FormatTask(cmd.OutOrStdout(), done, time.Now())
			if done.Status != task.StatusCompleted {
				return fmt.Errorf("task %s %s", done.ID, done.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeURL, "node", "http://localhost:8080", "Base URL of a node's health server")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "How long --wait waits")
	return cmd
}
