// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/api"
	"github.com/JakeFAU/paper-harvester/internal/app"
	"github.com/JakeFAU/paper-harvester/internal/config"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/logging"
	"github.com/JakeFAU/paper-harvester/internal/pipeline"
	"github.com/JakeFAU/paper-harvester/internal/policy/retry"
	"github.com/JakeFAU/paper-harvester/internal/pool"
	"github.com/JakeFAU/paper-harvester/internal/storage"
)

// App defines the services commands use. Tests inject a fake through newApp.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Ledger() app.Ledger
	Fetcher() harvest.Fetcher
	NewRunID() (string, error)
	NewPipeline(runID string, fetcher harvest.Fetcher) (*pipeline.Pipeline, error)
	PoolConfig() pool.Config
	RetryPolicy() *retry.ExponentialPolicy
	StatusServer() *api.Server
	Artifacts() ([]storage.Key, error)
	Close(ctx context.Context) error
}

type ctxKey int

const (
	appKey ctxKey = iota
	cfgKey
	loggerKey
)

// skipApp marks commands that run without the application services.
const skipApp = "skip-app"

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger, app.Options{})
}

// newLogger builds the root logger, replaced in tests.
var newLogger = logging.New

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resumable crawler and extractor for conference proceedings.",
		Long: `harvester crawls a proceedings site (root index, year listings, paper pages,
PDFs), stores every PDF, extracts its title and abstract into a durable ledger,
and can label the results with an LLM classifier. Every command is resumable:
rerunning skips whatever the ledger already records.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), cfgKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)

			if cmd.Annotations[skipApp] == "" {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().Bool("dev-logs", true, "use human-readable development logging")
	mustBind(v, "logging.development", cmd.PersistentFlags().Lookup("dev-logs"))

	cmd.AddCommand(newCrawlCmd(v), newExtractCmd(), newAnnotateCmd(v), newLedgerCmd())
	return cmd
}

func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mustBind binds a flag to a config key. Binding only fails for a nil flag,
// which is a programming error.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}

// Execute runs the CLI and returns the process exit code. Item failures do
// not change the exit code; only configuration errors and failed ledger
// writes do.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(), os.Stderr)
}

func execute(ctx context.Context, root *cobra.Command, stderr io.Writer) int {
	cmd, err := root.ExecuteContextC(ctx)
	if cmd != nil && cmd.Context() != nil {
		shutdown(cmd.Context())
	}
	if err != nil {
		fmt.Fprintf(stderr, "harvester: %v\n", err)
		return 1
	}
	return 0
}

// shutdown closes whatever PersistentPreRunE stored in ctx. It runs even when
// the command failed.
func shutdown(ctx context.Context) {
	if appInstance, ok := ctx.Value(appKey).(App); ok && appInstance != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := appInstance.Close(closeCtx); err != nil {
			appInstance.Logger().Warn("error closing application services", zap.Error(err))
		}
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		_ = logging.Sync(logger)
	}
}
