package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/classify"
	"github.com/JakeFAU/paper-harvester/internal/config"
)

// newAnnotateCmd creates the 'annotate' subcommand, which labels every
// extracted paper with one research category.
func newAnnotateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Label extracted papers with a research category",
		Long: `Reads the success ledger and appends one labeled row per paper to the
output CSV. The primary provider (Gemini or Anthropic) is asked first; on a
timeout or permanent error the secondary provider is asked. Throttled or
otherwise transient primary failures, and papers both providers fail on, are
left for the next run.`,
		Annotations: map[string]string{skipApp: "true"},
		RunE:        runAnnotateCommand,
	}
	flags := cmd.Flags()
	flags.String("input", "", "success ledger CSV to read")
	flags.String("output", "", "annotated CSV to append to")
	mustBind(v, "classifier.input_file", flags.Lookup("input"))
	mustBind(v, "classifier.output_file", flags.Lookup("output"))
	return cmd
}

func runAnnotateCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	classifier, err := buildClassifier(cfg.Classifier, cfg.ClassifierTimeout(), logger)
	if err != nil {
		return err
	}
	stats, err := classify.NewAnnotator(classifier, logger).Run(cmd.Context(), cfg.Classifier.InputFile, cfg.Classifier.OutputFile)
	if err != nil {
		return fmt.Errorf("annotate: %w", err)
	}
	logger.Info("annotation complete",
		zap.Int("total", stats.Total),
		zap.Int("skipped", stats.Skipped),
		zap.Int("labeled", stats.Labeled),
		zap.Int("unknown", stats.Unknown),
		zap.Int("failed", stats.Failed),
	)
	return nil
}

// buildClassifier wires the configured providers. A provider without an API
// key is left out; at least one is required.
func buildClassifier(cfg config.ClassifierConfig, timeout time.Duration, logger *zap.Logger) (*classify.Fallback, error) {
	f := &classify.Fallback{
		Labels:  classify.NewLabels(cfg.Labels),
		Timeout: timeout,
		Logger:  logger,
	}
	if cfg.Primary.APIKey != "" {
		primary, err := newPrimaryProvider(cfg.Primary)
		if err != nil {
			return nil, fmt.Errorf("init primary classifier: %w", err)
		}
		f.Primary = primary
	}
	if cfg.Secondary.APIKey != "" {
		secondary, err := classify.NewOpenRouter(cfg.Secondary.URL, cfg.Secondary.Model, cfg.Secondary.APIKey, nil)
		if err != nil {
			return nil, fmt.Errorf("init secondary classifier: %w", err)
		}
		f.Secondary = secondary
	}
	if f.Primary == nil && f.Secondary == nil {
		return nil, fmt.Errorf("classifier.primary.api_key or classifier.secondary.api_key must be set")
	}
	return f, nil
}

func newPrimaryProvider(cfg config.ProviderConfig) (classify.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return classify.NewAnthropic(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	case "gemini", "":
		return classify.NewGemini(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
