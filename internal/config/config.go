// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Selectors  SelectorConfig   `mapstructure:"selectors"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// CrawlerConfig governs discovery scope and the worker pool.
type CrawlerConfig struct {
	RootURL              string   `mapstructure:"root_url"`
	StartYear            int      `mapstructure:"start_year"`
	EndYear              int      `mapstructure:"end_year"`
	Concurrency          int      `mapstructure:"concurrency"`
	QueueDepth           int      `mapstructure:"queue_depth"`
	UserAgent            string   `mapstructure:"user_agent"`
	RequestsPerSecond    float64  `mapstructure:"requests_per_second"`
	Burst                int      `mapstructure:"burst"`
	ShutdownGraceSeconds int      `mapstructure:"shutdown_grace_seconds"`
	RespectRobots        bool     `mapstructure:"respect_robots"`
	AllowedHosts         []string `mapstructure:"allowed_hosts"`
}

// SelectorConfig holds the CSS selectors used at each discovery level.
type SelectorConfig struct {
	YearLinks     string `mapstructure:"year_links"`
	ItemLinks     string `mapstructure:"item_links"`
	ArtifactLinks string `mapstructure:"artifact_links"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int   `mapstructure:"timeout_seconds"`
	MaxRetries       int   `mapstructure:"max_retries"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int64 `mapstructure:"max_body_bytes"`
}

// StorageConfig selects the artifact store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LedgerConfig selects the progress ledger backend and its files.
type LedgerConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	SuccessFile string `mapstructure:"success_file"`
	FailureFile string `mapstructure:"failure_file"`
	JournalFile string `mapstructure:"journal_file"`
	DSN         string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for success notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls the status/metrics HTTP listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProviderConfig configures one classification provider. Provider applies
// to the primary slot only; the secondary is always OpenRouter.
type ProviderConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	URL       string `mapstructure:"url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// ClassifierConfig configures the annotate command.
type ClassifierConfig struct {
	Labels         []string       `mapstructure:"labels"`
	InputFile      string         `mapstructure:"input_file"`
	OutputFile     string         `mapstructure:"output_file"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	Primary        ProviderConfig `mapstructure:"primary"`
	Secondary      ProviderConfig `mapstructure:"secondary"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// New returns a Viper instance with env bindings and defaults applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	for _, key := range envOnlyKeys {
		// BindEnv only errors on an empty key list.
		_ = v.BindEnv(key)
	}
	return v
}

// envOnlyKeys have no default, so Unmarshal would not see their environment
// overrides unless they are bound explicitly.
var envOnlyKeys = []string{
	"crawler.allowed_hosts",
	"storage.gcs_bucket",
	"storage.prefix",
	"ledger.dsn",
	"pubsub.project_id",
	"pubsub.topic_name",
	"metrics.addr",
	"classifier.primary.model",
	"classifier.primary.api_key",
	"classifier.primary.url",
	"classifier.secondary.api_key",
	"classifier.secondary.max_tokens",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper unmarshals and validates a Config from an existing Viper instance,
// which lets the CLI bind flags before decoding.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.root_url", "https://papers.nips.cc")
	v.SetDefault("crawler.start_year", 2020)
	v.SetDefault("crawler.end_year", 2024)
	v.SetDefault("crawler.concurrency", 10)
	v.SetDefault("crawler.queue_depth", 256)
	v.SetDefault("crawler.user_agent", "paper-harvester/0.1")
	v.SetDefault("crawler.requests_per_second", 5.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.shutdown_grace_seconds", 10)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("selectors.year_links", "a[href*='/paper_files/paper/']")
	v.SetDefault("selectors.item_links", "ul.paper-list li a[href$='Abstract-Conference.html']")
	v.SetDefault("selectors.artifact_links", "a[href$='Paper-Conference.pdf']")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "data/papers")
	v.SetDefault("ledger.backend", "csv")
	v.SetDefault("ledger.dir", ".")
	v.SetDefault("ledger.success_file", "extracted_papers.csv")
	v.SetDefault("ledger.failure_file", "failed_papers.csv")
	v.SetDefault("ledger.journal_file", "frontier.jsonl")
	v.SetDefault("classifier.labels", []string{
		"Deep Learning",
		"Computer Vision",
		"Reinforcement Learning",
		"Natural Language Processing",
		"Optimization",
	})
	v.SetDefault("classifier.input_file", "extracted_papers.csv")
	v.SetDefault("classifier.output_file", "annotated_papers.csv")
	v.SetDefault("classifier.timeout_seconds", 60)
	v.SetDefault("classifier.primary.provider", "gemini")
	v.SetDefault("classifier.primary.max_tokens", 32)
	v.SetDefault("classifier.secondary.url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("classifier.secondary.model", "openai/gpt-4-turbo")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.service_name", "paper-harvester")
	v.SetDefault("tracing.sample_ratio", 0.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawler.RootURL) == "" {
		return fmt.Errorf("crawler.root_url must be set")
	}
	if c.Crawler.StartYear <= 0 || c.Crawler.EndYear < c.Crawler.StartYear {
		return fmt.Errorf("crawler.start_year must be > 0 and <= crawler.end_year")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.RequestsPerSecond < 0 {
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	}
	if c.Crawler.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("crawler.shutdown_grace_seconds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	switch c.Storage.Backend {
	case "local", "memory":
		if c.Storage.Backend == "local" && strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory (got %q)", c.Storage.Backend)
	}
	switch c.Ledger.Backend {
	case "csv":
		if c.Ledger.SuccessFile == "" || c.Ledger.FailureFile == "" || c.Ledger.JournalFile == "" {
			return fmt.Errorf("ledger.success_file, ledger.failure_file and ledger.journal_file must be set")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be one of csv, postgres (got %q)", c.Ledger.Backend)
	}
	switch c.Classifier.Primary.Provider {
	case "gemini", "anthropic":
	default:
		return fmt.Errorf("classifier.primary.provider must be one of gemini, anthropic (got %q)", c.Classifier.Primary.Provider)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// YearRange returns the configured inclusion predicate bounds.
func (c Config) YearRange() harvest.YearRange {
	return harvest.YearRange{Start: c.Crawler.StartYear, End: c.Crawler.EndYear}
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ShutdownGrace converts the drain window into a duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Crawler.ShutdownGraceSeconds) * time.Second
}

// ClassifierTimeout converts the per-call classifier timeout into a duration.
func (c Config) ClassifierTimeout() time.Duration {
	return time.Duration(c.Classifier.TimeoutSeconds) * time.Second
}
