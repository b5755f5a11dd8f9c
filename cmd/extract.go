package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/app"
	"github.com/JakeFAU/paper-harvester/internal/pipeline"
)

// newExtractCmd creates the 'extract' subcommand, which processes PDFs that
// are already stored without touching the network.
func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract titles and abstracts from stored PDFs",
		Long: `Walks <storage.base_dir>/<year>/*.pdf and records every file the ledger does
not know yet. Unreadable PDFs are recorded as failures.`,
		RunE: runExtractCommand,
	}
}

func runExtractCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	keys, err := appInstance.Artifacts()
	if errors.Is(err, app.ErrNoLister) {
		return fmt.Errorf("extract requires the local storage backend: %w", err)
	}
	if err != nil {
		return err
	}
	appInstance.Logger().Info("found stored artifacts", zap.Int("count", len(keys)))

	runID, err := appInstance.NewRunID()
	if err != nil {
		return err
	}
	p, err := appInstance.NewPipeline(runID, nil)
	if err != nil {
		return err
	}
	return runPipeline(cmd.Context(), appInstance, p, pipeline.ArtifactTargets(keys))
}
