package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/milepost/internal/outbox"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay side-effect events",
	}

	cmd.AddCommand(newOutboxFailedCmd())
	cmd.AddCommand(newOutboxReplayCmd())
	return cmd
}

func newOutboxFailedCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List events that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			events, err := outbox.Failed(a.db, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No failed events.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENT\tAGGREGATE\tRETRIES\tCREATED\tLAST ERROR")
			for _, ev := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					ev.ID, ev.RoutingKey, ev.AggregateID, ev.RetryCount,
					ev.CreatedAt.Format(time.RFC3339), truncate(ev.LastError, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to list")
	return cmd
}

func newOutboxReplayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Reset a failed event to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}

			a, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := outbox.Replay(a.db, uint(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Event %d queued for redelivery\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
