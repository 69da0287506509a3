package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jcovali/pgsync/internal/crypto"
	"github.com/jcovali/pgsync/internal/orchestrator"
	"github.com/jcovali/pgsync/internal/progress"
	"github.com/jcovali/pgsync/internal/scheduler"
	"github.com/jcovali/pgsync/internal/server"
	"github.com/jcovali/pgsync/internal/status"
	"github.com/jcovali/pgsync/internal/store"
	"github.com/jcovali/pgsync/internal/supervisor"
	"github.com/jcovali/pgsync/internal/transfer"
)

const statusRetentionDays = 30

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Start the synchronization service",
	Long: `App starts the full pgsync service: it applies metadata migrations,
clears stale run locks, registers scheduled jobs with the cron engine
and serves the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cipher, err := crypto.New(cfg.Security.EncryptionKey)
		if err != nil {
			return err
		}

		st, err := store.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		// Locks left behind by a crashed instance would block jobs forever.
		if n, err := st.ClearStaleRunLocks(ctx); err != nil {
			logger.Warn().Err(err).Msg("clear stale run locks failed")
		} else if n > 0 {
			logger.Info().Int64("jobs", n).Msg("cleared stale run locks")
		}

		bus := progress.NewBus(logger)
		ctrl := status.NewController(st, logger)
		orch := orchestrator.New(st, ctrl, bus, cipher, transfer.Options{
			InsertBatchSize: cfg.Transfer.InsertBatchSize,
			CopyBatchSize:   cfg.Transfer.CopyBatchSize,
			CopyThreshold:   int64(cfg.Transfer.CopyThreshold),
		}, logger)
		sup := supervisor.New(st, orch, logger)

		sched, err := scheduler.New(st, sup, scheduler.Config{
			Timezone: cfg.Scheduler.Timezone,
			Workers:  cfg.Scheduler.MaxWorkers,
		}, logger)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Shutdown(true)

		go cleanupLoop(ctx, ctrl, logger)

		srv := server.New(server.Deps{
			Store:     st,
			Status:    ctrl,
			Bus:       bus,
			Runner:    sup,
			Scheduler: sched,
			Cipher:    cipher,
		}, logger)
		return srv.Start(ctx, cfg.Server.Host, cfg.Server.Port)
	},
}

// cleanupLoop prunes terminal execution statuses once a day.
func cleanupLoop(ctx context.Context, ctrl *status.Controller, logger zerolog.Logger) {
	if _, err := ctrl.CleanupOlderThan(ctx, statusRetentionDays); err != nil {
		logger.Warn().Err(err).Msg("status cleanup failed")
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ctrl.CleanupOlderThan(ctx, statusRetentionDays); err != nil {
				logger.Warn().Err(err).Msg("status cleanup failed")
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(appCmd)
}
