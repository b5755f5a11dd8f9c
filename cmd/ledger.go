package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newLedgerCmd groups the ledger maintenance subcommands.
func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or edit the progress ledger",
	}
	cmd.AddCommand(newLedgerStatusCmd(), newLedgerResetCmd())
	return cmd
}

func newLedgerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print success and failure counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			succeeded, failed := appInstance.Ledger().Counts()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "succeeded: %d\nfailed: %d\n", succeeded, failed)
			return err
		},
	}
}

// newLedgerResetCmd returns items to pending so the next run retries them.
func newLedgerResetCmd() *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "reset [file...]",
		Short: "Forget ledger entries so the next run processes them again",
		Long: `Removes the named files from the ledger, or every failed entry with
--failed. Stored PDFs are kept, so a reset item is re-extracted without being
downloaded again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if failedOnly == (len(args) > 0) {
				return errors.New("pass either file names or --failed")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var n int
			if failedOnly {
				n, err = appInstance.Ledger().ResetFailed(cmd.Context())
			} else {
				n, err = appInstance.Ledger().Reset(cmd.Context(), args...)
			}
			if err != nil {
				return fmt.Errorf("reset ledger: %w", err)
			}
			appInstance.Logger().Info("ledger entries reset", zap.Int("count", n))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reset %d entries\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "reset every failed entry")
	return cmd
}
