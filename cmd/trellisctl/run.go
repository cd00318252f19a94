package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newSubmitCmd(opts *cliOptions) *cobra.Command {
	var (
		triggerFile string
		priority    int
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Start a run of an active workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"priority": priority}
			if triggerFile != "" {
				raw, err := os.ReadFile(triggerFile)
				if err != nil {
					return fmt.Errorf("failed to read trigger data file: %w", err)
				}
				var trigger map[string]any
				if err := json.Unmarshal(raw, &trigger); err != nil {
					return fmt.Errorf("failed to parse trigger data: %w", err)
				}
				body["trigger_data"] = trigger
			}

			var run map[string]any
			if err := opts.call(http.MethodPost, "/api/v1/workflows/"+args[0]+"/execute", body, &run); err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
	cmd.Flags().StringVarP(&triggerFile, "trigger", "t", "", "JSON file with trigger data for the run")
	cmd.Flags().IntVarP(&priority, "priority", "p", 5, "run priority, 1 (lowest) to 10 (highest)")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	var showNodes bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status and progress of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/executions/" + args[0]
			if showNodes {
				path += "?include_nodes=true"
			}
			var status map[string]any
			if err := opts.call(http.MethodGet, path, nil, &status); err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
	cmd.Flags().BoolVar(&showNodes, "nodes", false, "also list per-node execution records")
	return cmd
}

func newStopCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := opts.call(http.MethodPost, "/api/v1/executions/"+args[0]+"/stop", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func newRetryCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Start a fresh run from a failed or cancelled one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run map[string]any
			if err := opts.call(http.MethodPost, "/api/v1/executions/"+args[0]+"/retry", nil, &run); err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
}

func newQueuesCmd(opts *cliOptions) *cobra.Command {
	queues := &cobra.Command{
		Use:   "queues",
		Short: "Inspect and administer the task queues",
	}

	queues.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show per-queue depths and worker counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]any
			if err := opts.call(http.MethodGet, "/api/v1/queues/stats", nil, &stats); err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	})

	queues.AddCommand(&cobra.Command{
		Use:   "purge <queue-name>",
		Short: "Drop all queued tasks from one queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := opts.call(http.MethodPost, "/api/v1/queues/"+args[0]+"/purge", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	})

	return queues
}
