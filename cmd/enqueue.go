// File: cmd/enqueue.go
package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/formforge/autoapply/api/schemas"
	"github.com/formforge/autoapply/internal/observability"
)

var enqueueFlags struct {
	url           string
	requesterID   string
	applicationID string
	targetKind    string
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue an application for the worker to process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		st, dbPool, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer dbPool.Close()

		job := schemas.JobPayload{
			ApplicationID: enqueueFlags.applicationID,
			TargetURL:     enqueueFlags.url,
			TargetKind:    enqueueFlags.targetKind,
			RequesterID:   enqueueFlags.requesterID,
		}
		if job.ApplicationID == "" {
			job.ApplicationID = uuid.NewString()
		}

		if err := st.Enqueue(ctx, job); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), job.ApplicationID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueFlags.url, "url", "u", "", "target application URL (required)")
	enqueueCmd.Flags().StringVarP(&enqueueFlags.requesterID, "requester", "r", "", "requester ID to apply as (required)")
	enqueueCmd.Flags().StringVar(&enqueueFlags.applicationID, "application-id", "", "application ID (defaults to a new UUID)")
	enqueueCmd.Flags().StringVar(&enqueueFlags.targetKind, "kind", "", "target kind hint passed to generation")
	_ = enqueueCmd.MarkFlagRequired("url")
	_ = enqueueCmd.MarkFlagRequired("requester")

	rootCmd.AddCommand(enqueueCmd)
}
