// File: cmd/worker.go
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/formforge/autoapply/internal/observability"
	"github.com/formforge/autoapply/internal/worker"
)

var workerFlags struct {
	profilesPath string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue worker, draining pending applications until interrupted.",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVarP(&workerFlags.profilesPath, "profiles", "p", "profiles.json", "path to the requester profiles file")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, dbPool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.close(closeCtx)
	}()

	// The engine retries per the failure taxonomy within a claim; the queue
	// layer applies its coarser reschedule on top for whole-job failures.
	w := worker.New(st, worker.RunnerFunc(s.engine.ExecuteWithRetry),
		worker.NewFileProfiles(workerFlags.profilesPath),
		cfg.Engine, logger, worker.WithHealthChecker(s.pool))

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
