package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/pipeline"
	"github.com/JakeFAU/paper-harvester/internal/pool"
)

// newCrawlCmd creates the 'crawl' subcommand, which discovers, downloads and
// extracts every paper in the configured year range.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the proceedings site and extract every paper",
		Long: `Walks the root index, the per-year listings and every paper page,
stores each PDF and records its title and abstract in the ledger. Rerunning
resumes from the ledger and the discovery journal without refetching.`,
		RunE: runCrawlCommand,
	}
	flags := cmd.Flags()
	flags.String("root-url", "", "root index URL")
	flags.Int("start-year", 0, "first year to harvest (inclusive)")
	flags.Int("end-year", 0, "last year to harvest (inclusive)")
	flags.Int("concurrency", 0, "number of workers")
	flags.String("status-addr", "", "serve /metrics and /v1/progress on this address")
	mustBind(v, "crawler.root_url", flags.Lookup("root-url"))
	mustBind(v, "crawler.start_year", flags.Lookup("start-year"))
	mustBind(v, "crawler.end_year", flags.Lookup("end-year"))
	mustBind(v, "crawler.concurrency", flags.Lookup("concurrency"))
	mustBind(v, "metrics.addr", flags.Lookup("status-addr"))
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	runID, err := appInstance.NewRunID()
	if err != nil {
		return err
	}
	p, err := appInstance.NewPipeline(runID, appInstance.Fetcher())
	if err != nil {
		return err
	}
	return runPipeline(cmd.Context(), appInstance, p, p.Seeds())
}

// runPipeline runs seeds to completion while the optional status server is
// up. Interruption is not an error: unrecorded items stay pending.
func runPipeline(ctx context.Context, appInstance App, p *pipeline.Pipeline, seeds []harvest.CrawlTarget) error {
	logger := appInstance.Logger()
	stopStatus := startStatusServer(ctx, appInstance)
	defer stopStatus()

	summary, err := p.Run(ctx, appInstance.PoolConfig(), appInstance.RetryPolicy(), seeds)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		logger.Warn("harvest interrupted; rerun to resume", zap.Int64("succeeded", summary.Succeeded))
	default:
		return fmt.Errorf("run harvest: %w", err)
	}
	logSummary(logger, summary, appInstance.Ledger())
	return nil
}

func startStatusServer(ctx context.Context, appInstance App) func() {
	addr := appInstance.Config().Metrics.Addr
	if addr == "" {
		return func() {}
	}
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := appInstance.StatusServer().ListenAndServe(srvCtx, addr); err != nil {
			appInstance.Logger().Warn("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func logSummary(logger *zap.Logger, summary pool.Summary, ledger interface{ Counts() (int, int) }) {
	succeeded, failed := ledger.Counts()
	logger.Info("harvest complete",
		zap.Int64("run_succeeded", summary.Succeeded),
		zap.Int64("run_failed", summary.Failed),
		zap.Int64("run_skipped", summary.Skipped),
		zap.Int64("retries", summary.Retried),
		zap.Int("ledger_succeeded", succeeded),
		zap.Int("ledger_failed", failed),
	)
}
