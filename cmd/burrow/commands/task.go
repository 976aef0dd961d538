package commands

import (
	"fmt"
	"time"

	"github.com/dyluth/burrow/internal/inspect"
	"github.com/dyluth/burrow/internal/watch"
	"github.com/spf13/cobra"
)

func newTaskCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}
	cmd.AddCommand(newTaskGetCmd(flags), newTaskWatchCmd(flags))
	return cmd
}

func newTaskGetCmd(flags *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get TASK_ID",
		Short: "Show a task",
		Long: `Show a task's status, deadline, result or failure.
Finished tasks are kept for tasks.retention (default 1h) and then evicted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			ctx := commandContext(cmd)

			format, err := inspect.ParseFormat(output)
			if err != nil {
				return p.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl, json"})
			}

			b, err := flags.connect(ctx, p)
			if err != nil {
				return err
			}
			defer b.Close()

			err = inspect.GetTask(ctx, b.tasks, args[0], format, time.Now(), cmd.OutOrStdout())
			if inspect.IsNotFound(err) {
				return p.Error("task not found", err.Error(), []string{"Finished tasks are evicted after tasks.retention"})
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default, jsonl or json")
	return cmd
}

func newTaskWatchCmd(flags *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "watch [TASK_ID]",
		Short: "Stream task changes",
		Long: `Stream task changes published by every node, until interrupted.
With TASK_ID only that task is followed, and streaming stops once it finishes.

Events are best effort; 'burrow task get' is authoritative.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			ctx := commandContext(cmd)

			var format watch.OutputFormat
			switch output {
			case "default":
				format = watch.OutputFormatDefault
			case "json":
				format = watch.OutputFormatJSON
			default:
				return p.Error("invalid output format", fmt.Sprintf("Unknown format: %s", output),
					[]string{"Valid formats: default, json"})
			}

			b, err := flags.connect(ctx, p)
			if err != nil {
				return err
			}
			defer b.Close()

			sub, err := b.tasks.Subscribe(ctx)
			if err != nil {
				return err
			}
			defer sub.Close()

			only := ""
			if len(args) == 1 {
				only = args[0]
			}
			return watch.StreamTasks(ctx, sub, only, format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format: default or json")
	return cmd
}
