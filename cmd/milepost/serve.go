package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/milepost/internal/api"
	"github.com/zulandar/milepost/internal/auth"
	"github.com/zulandar/milepost/internal/db"
	"github.com/zulandar/milepost/internal/service"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		migrate    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox reconciler",
		Long: "Serves the negotiation and settlement API, dispatches side effects as " +
			"writes commit, and sweeps the outbox on the reconciler schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, migrate)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "migrate the schema before serving")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, migrate bool) error {
	a, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.cfg.RequireServe(); err != nil {
		return err
	}
	if migrate {
		if err := db.AutoMigrate(a.db); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp, err := newDispatcher(a)
	if err != nil {
		return err
	}
	defer disp.close()
	go disp.Run(ctx)

	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.Reconciler.Schedule, disp.Nudge); err != nil {
		return fmt.Errorf("reconciler schedule %q: %w", a.cfg.Reconciler.Schedule, err)
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()
	// Sweep anything left over from a previous run.
	disp.Nudge()

	svc := service.New(a.db, a.log, service.Options{
		Retry: db.RetryPolicy{
			Attempts: a.cfg.Negotiation.ConflictRetries,
			Backoff:  a.cfg.Negotiation.RetryBackoff,
		},
		Nudger: disp,
	})

	opts := api.StartOpts{
		Engine:   svc,
		Verifier: auth.NewVerifier(a.cfg.Auth.JWTSecret),
		Port:     a.cfg.Server.Port,
		Log:      a.log,
	}
	if disp.publisher != nil {
		opts.Broker = disp.publisher
	}

	a.log.Info("milepost serving",
		zap.String("version", Version),
		zap.String("driver", a.cfg.Database.Driver),
		zap.String("reconciler_schedule", a.cfg.Reconciler.Schedule),
	)
	if err := api.Start(ctx, opts); err != nil {
		return err
	}
	a.log.Info("milepost stopped")
	return nil
}
