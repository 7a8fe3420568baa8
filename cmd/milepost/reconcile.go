package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Dispatch due outbox events once",
		Long: "Delivers one batch of pending side effects (chat messages, notifications, " +
			"payment releases) and exits. Failures are rescheduled with backoff.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			disp, err := newDispatcher(a)
			if err != nil {
				return err
			}
			defer disp.close()

			n, err := disp.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d events\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	return cmd
}
