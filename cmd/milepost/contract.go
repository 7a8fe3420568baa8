package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/milepost/internal/contract"
	"github.com/zulandar/milepost/internal/models"
)

func newContractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Inspect and repair contracts",
	}

	cmd.AddCommand(newContractShowCmd())
	cmd.AddCommand(newContractSyncCmd())
	return cmd
}

func newContractShowCmd() *cobra.Command {
	var (
		configPath string
		byProposal bool
	)

	cmd := &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract and its milestones",
		Long:  "Shows a contract by id, or with --proposal the contract materialized from a proposal id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			lookup := contract.Get
			if byProposal {
				lookup = contract.ForProposal
			}
			c, err := lookup(a.db, args[0])
			if err != nil {
				return err
			}
			printContract(cmd, c)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	cmd.Flags().BoolVar(&byProposal, "proposal", false, "treat the argument as a proposal id")
	return cmd
}

func newContractSyncCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sync <contract-id>",
		Short: "Re-derive milestones for a contract that has none",
		Long: "Rebuilds a contract's milestones from its source proposal when the " +
			"milestone batch never landed. Contracts that already have milestones are left alone.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ms, err := contract.SyncMilestones(cmd.Context(), a.db, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Contract %s has %d milestones\n", args[0], len(ms))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	return cmd
}

func printContract(cmd *cobra.Command, c *models.Contract) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Contract:   %s\n", c.ID)
	fmt.Fprintf(out, "Proposal:   %s\n", c.ProposalID)
	fmt.Fprintf(out, "Job:        %s\n", c.JobID)
	fmt.Fprintf(out, "Client:     %s\n", c.ClientID)
	fmt.Fprintf(out, "Freelancer: %s\n", c.FreelancerID)
	fmt.Fprintf(out, "Status:     %s\n", c.Status)
	fmt.Fprintf(out, "Total:      %s %s (fee %s%% = %s)\n",
		c.FeesTotal.StringFixed(2), c.Currency,
		c.PlatformFeePercent.String(), c.PlatformFeeAmount.StringFixed(2))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tTITLE\tAMOUNT\tDUE\tSTATUS")
	for _, m := range c.Milestones {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			m.Position, m.ID, m.Title, m.AmountGross.StringFixed(2),
			m.DueAt.Format("2006-01-02"), m.Status)
	}
	w.Flush()
}
