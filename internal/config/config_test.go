package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 10 {
		t.Fatalf("expected default concurrency 10, got %d", cfg.Crawler.Concurrency)
	}
	if got := cfg.FetchTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s fetch timeout, got %v", got)
	}
	if cfg.HTTP.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.HTTP.MaxRetries)
	}
	yr := cfg.YearRange()
	if yr.Start != 2020 || yr.End != 2024 {
		t.Fatalf("unexpected year range %+v", yr)
	}
	if !cfg.Crawler.RespectRobots {
		t.Fatalf("expected robots.txt to be respected by default")
	}
	if cfg.Classifier.Primary.Provider != "gemini" {
		t.Fatalf("expected gemini primary provider, got %q", cfg.Classifier.Primary.Provider)
	}
	if len(cfg.Classifier.Labels) != 5 {
		t.Fatalf("expected 5 default labels, got %v", cfg.Classifier.Labels)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  root_url: https://proceedings.example.org
  start_year: 2018
  end_year: 2019
  concurrency: 4
  queue_depth: 32
  shutdown_grace_seconds: 3
selectors:
  artifact_links: a.pdf
http:
  timeout_seconds: 45
  max_retries: 5
storage:
  backend: gcs
  gcs_bucket: papers
ledger:
  backend: postgres
  dsn: postgres://localhost/harvest
pubsub:
  project_id: proj
  topic_name: papers-extracted
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.RootURL != "https://proceedings.example.org" {
		t.Fatalf("expected root url override, got %q", cfg.Crawler.RootURL)
	}
	if cfg.Crawler.Concurrency != 4 || cfg.Crawler.QueueDepth != 32 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Selectors.ArtifactLinks != "a.pdf" {
		t.Fatalf("expected selector override, got %q", cfg.Selectors.ArtifactLinks)
	}
	if cfg.Selectors.ItemLinks == "" {
		t.Fatal("expected default item selector to survive partial override")
	}
	if cfg.Storage.Backend != "gcs" || cfg.Ledger.Backend != "postgres" {
		t.Fatalf("expected backend overrides: %+v %+v", cfg.Storage, cfg.Ledger)
	}
	if got := cfg.ShutdownGrace(); got != 3*time.Second {
		t.Fatalf("expected 3s grace, got %v", got)
	}
	if cfg.Logging.Development {
		t.Fatal("expected development logging disabled")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "missing root", mutate: func(c *Config) { c.Crawler.RootURL = " " }, want: "crawler.root_url"},
		{name: "inverted years", mutate: func(c *Config) { c.Crawler.EndYear = 2000 }, want: "crawler.start_year"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Crawler.Concurrency = 0 }, want: "crawler.concurrency"},
		{name: "zero queue", mutate: func(c *Config) { c.Crawler.QueueDepth = 0 }, want: "crawler.queue_depth"},
		{name: "zero timeout", mutate: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "negative retries", mutate: func(c *Config) { c.HTTP.MaxRetries = -1 }, want: "http.max_retries"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.gcs_bucket"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Ledger.Backend = "postgres" }, want: "ledger.dsn"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }, want: "tracing.sample_ratio"},
		{name: "unknown primary provider", mutate: func(c *Config) { c.Classifier.Primary.Provider = "llama" }, want: "classifier.primary.provider"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.TopicName = "t" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Classifier.Labels = append([]string(nil), base.Classifier.Labels...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadEnvOverridesKeysWithoutDefaults(t *testing.T) {
	t.Setenv("HARVESTER_CLASSIFIER_PRIMARY_API_KEY", "sk-test")
	t.Setenv("HARVESTER_CLASSIFIER_SECONDARY_API_KEY", "or-test")
	t.Setenv("HARVESTER_LEDGER_DSN", "postgres://harvester@db/papers")
	t.Setenv("HARVESTER_STORAGE_GCS_BUCKET", "papers")
	t.Setenv("HARVESTER_PUBSUB_PROJECT_ID", "proj")
	t.Setenv("HARVESTER_PUBSUB_TOPIC_NAME", "extracted")
	t.Setenv("HARVESTER_CRAWLER_ALLOWED_HOSTS", "cdn.example.org,mirror.example.org")
	t.Setenv("HARVESTER_CRAWLER_CONCURRENCY", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 7 {
		t.Fatalf("expected concurrency 7, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Classifier.Primary.APIKey != "sk-test" || cfg.Classifier.Secondary.APIKey != "or-test" {
		t.Fatalf("api keys not read from env: %+v %+v", cfg.Classifier.Primary, cfg.Classifier.Secondary)
	}
	if cfg.Ledger.DSN != "postgres://harvester@db/papers" {
		t.Fatalf("unexpected dsn %q", cfg.Ledger.DSN)
	}
	if cfg.Storage.GCSBucket != "papers" {
		t.Fatalf("unexpected bucket %q", cfg.Storage.GCSBucket)
	}
	if cfg.PubSub.ProjectID != "proj" || cfg.PubSub.TopicName != "extracted" {
		t.Fatalf("unexpected pubsub config %+v", cfg.PubSub)
	}
	if got := strings.Join(cfg.Crawler.AllowedHosts, " "); got != "cdn.example.org mirror.example.org" {
		t.Fatalf("unexpected allowed hosts %q", got)
	}
}
