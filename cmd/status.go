// File: cmd/status.go
package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/formforge/autoapply/internal/observability"
)

var statusCmd = &cobra.Command{
	Use:   "status <application-id>",
	Short: "Show the stored record for one application.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		st, dbPool, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer dbPool.Close()

		record, err := st.Get(ctx, args[0])
		if err != nil {
			return err
		}

		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(record, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
