package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/milepost/internal/auth"
	"github.com/zulandar/milepost/internal/config"
	"github.com/zulandar/milepost/internal/models"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Sign an API token for an actor",
		Long: "Signs a bearer token with the configured jwt_secret. Tokens for end users " +
			"come from the identity provider; this is for operators and local testing.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.RequireServe(); err != nil {
				return err
			}
			party := models.Party(role)
			if !party.Valid() {
				return fmt.Errorf("--role must be client or freelancer, got %q", role)
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}

			tok, err := auth.NewVerifier(cfg.Auth.JWTSecret).Issue(auth.Actor{ID: args[0], Role: party}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	cmd.Flags().StringVar(&role, "role", string(models.PartyClient), "party role claim (client or freelancer)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
