// File: cmd/apply.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/observability"
	"github.com/formforge/autoapply/internal/worker"
)

var applyFlags struct {
	url           string
	requesterID   string
	applicationID string
	profilesPath  string
	targetKind    string
	timeout       time.Duration
	screenshotOut string
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Run a single application against a target URL and print the result.",
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().StringVarP(&applyFlags.url, "url", "u", "", "target application URL (required)")
	applyCmd.Flags().StringVarP(&applyFlags.requesterID, "requester", "r", "", "requester ID to apply as (required)")
	applyCmd.Flags().StringVar(&applyFlags.applicationID, "application-id", "", "application ID (defaults to a new UUID)")
	applyCmd.Flags().StringVarP(&applyFlags.profilesPath, "profiles", "p", "profiles.json", "path to the requester profiles file")
	applyCmd.Flags().StringVar(&applyFlags.targetKind, "kind", "", "target kind hint passed to generation")
	applyCmd.Flags().DurationVar(&applyFlags.timeout, "timeout", 10*time.Minute, "overall run timeout")
	applyCmd.Flags().StringVar(&applyFlags.screenshotOut, "screenshot", "", "write the confirmation screenshot to this file")
	_ = applyCmd.MarkFlagRequired("url")
	_ = applyCmd.MarkFlagRequired("requester")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, applyFlags.timeout)
	defer cancel()

	profiles := worker.NewFileProfiles(applyFlags.profilesPath)
	profile, err := profiles.Load(ctx, applyFlags.requesterID)
	if err != nil {
		return err
	}

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	job := schemas.JobPayload{
		ApplicationID: applyFlags.applicationID,
		TargetURL:     applyFlags.url,
		TargetKind:    applyFlags.targetKind,
		RequesterID:   applyFlags.requesterID,
	}
	if job.ApplicationID == "" {
		job.ApplicationID = uuid.NewString()
	}

	result, runErr := s.engine.ExecuteWithRetry(ctx, job, profile)

	if applyFlags.screenshotOut != "" && len(result.Screenshot) > 0 {
		if writeErr := os.WriteFile(applyFlags.screenshotOut, result.Screenshot, 0o600); writeErr != nil {
			logger.Warn("Failed to write screenshot file.", zap.Error(writeErr))
		}
	}

	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	return runErr
}
