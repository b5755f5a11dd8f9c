// Package app initializes and holds the long-lived services of a harvest
// process, acting as a dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/api"
	"github.com/JakeFAU/paper-harvester/internal/clock/system"
	"github.com/JakeFAU/paper-harvester/internal/config"
	"github.com/JakeFAU/paper-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/paper-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/paper-harvester/internal/frontier"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/hash/sha256"
	"github.com/JakeFAU/paper-harvester/internal/id/uuid"
	"github.com/JakeFAU/paper-harvester/internal/ledger"
	"github.com/JakeFAU/paper-harvester/internal/ledger/postgres"
	"github.com/JakeFAU/paper-harvester/internal/metrics"
	"github.com/JakeFAU/paper-harvester/internal/pipeline"
	"github.com/JakeFAU/paper-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/paper-harvester/internal/policy/retry"
	"github.com/JakeFAU/paper-harvester/internal/policy/scope"
	"github.com/JakeFAU/paper-harvester/internal/pool"
	"github.com/JakeFAU/paper-harvester/internal/progress"
	"github.com/JakeFAU/paper-harvester/internal/progress/sinks"
	"github.com/JakeFAU/paper-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/paper-harvester/internal/storage"
	"github.com/JakeFAU/paper-harvester/internal/storage/gcs"
	"github.com/JakeFAU/paper-harvester/internal/storage/local"
	"github.com/JakeFAU/paper-harvester/internal/storage/memory"
	"github.com/JakeFAU/paper-harvester/internal/telemetry"
)

// Ledger is the progress ledger surface the CLI needs.
type Ledger interface {
	pipeline.Journal
	Counts() (succeeded, failed int)
	Reset(ctx context.Context, filenames ...string) (int, error)
	ResetFailed(ctx context.Context) (int, error)
	Close() error
}

// Lister enumerates stored artifacts.
type Lister interface {
	List(ext string) ([]storage.Key, error)
}

// ErrNoLister is returned by Artifacts when the storage backend cannot be
// enumerated.
var ErrNoLister = errors.New("storage backend does not support listing")

// App holds the shared services for one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     harvest.ArtifactStore
	ledger    Ledger
	publisher harvest.Publisher
	tracker   *sinks.Tracker
	hub       *progress.Hub
	tracer    *sdktrace.TracerProvider
	closers   []func() error
}

// Options override collaborators, mainly for tests.
type Options struct {
	// Ledger replaces the configured ledger backend.
	Ledger Ledger
	// Store replaces the configured storage backend.
	Store harvest.ArtifactStore
}

// NewApp builds every service described by cfg and fails fast when one of
// them cannot be initialized. Callers must Close the returned App.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()
	a.logger.Info("initializing application services")

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Options{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.tracer.Shutdown(context.WithoutCancel(ctx)) })

	a.store = opts.Store
	if a.store == nil {
		if a.store, err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}

	a.ledger = opts.Ledger
	if a.ledger == nil {
		if a.ledger, err = a.openLedger(ctx); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.ledger.Close)
	}

	if cfg.PubSub.TopicName != "" {
		a.logger.Info("publishing to Pub/Sub", zap.String("topic", cfg.PubSub.TopicName))
		pub, perr := pubsub.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if perr != nil {
			return nil, fmt.Errorf("init publisher: %w", perr)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	}

	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	a.tracker = sinks.NewTracker()
	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, sinks.NewLogSink(a.logger), promSink, a.tracker)

	a.logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("ledger", cfg.Ledger.Backend),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (harvest.ArtifactStore, error) {
	hasher := sha256.New()
	switch a.cfg.Storage.Backend {
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir}, hasher)
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix}, hasher)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	case "memory":
		a.logger.Warn("using in-memory storage; artifacts are lost on exit")
		return memory.NewBlobStore(hasher), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
}

func (a *App) openLedger(ctx context.Context) (Ledger, error) {
	switch a.cfg.Ledger.Backend {
	case "csv":
		l, err := ledger.Open(ledger.Config{
			Dir:         a.cfg.Ledger.Dir,
			SuccessFile: a.cfg.Ledger.SuccessFile,
			FailureFile: a.cfg.Ledger.FailureFile,
			JournalFile: a.cfg.Ledger.JournalFile,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open csv ledger: %w", err)
		}
		return l, nil
	case "postgres":
		l, err := postgres.New(ctx, postgres.Config{DSN: a.cfg.Ledger.DSN}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", a.cfg.Ledger.Backend)
	}
}

// Config returns the validated configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the Prometheus registry every collector is registered on.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Store returns the artifact store.
func (a *App) Store() harvest.ArtifactStore { return a.store }

// Ledger returns the progress ledger.
func (a *App) Ledger() Ledger { return a.ledger }

// Tracker returns the live progress snapshot.
func (a *App) Tracker() *sinks.Tracker { return a.tracker }

// Emitter returns the progress hub.
func (a *App) Emitter() progress.Emitter { return a.hub }

// Fetcher builds the throttled fetcher shared by every worker of a run.
func (a *App) Fetcher() harvest.Fetcher {
	base := collyfetcher.New(collyfetcher.Config{
		UserAgent:        a.cfg.Crawler.UserAgent,
		RespectRobots:    a.cfg.Crawler.RespectRobots,
		Timeout:          a.cfg.FetchTimeout(),
		MaxBodyBytes:     a.cfg.HTTP.MaxBodyBytes,
		OnRobotsFallback: a.metrics.ObserveRobotsFallback,
	})
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.Crawler.RequestsPerSecond,
		Burst:             a.cfg.Crawler.Burst,
		OnDelay:           a.metrics.ObserveRateLimitDelay,
	})
	return ratelimit.Wrap(base, limiter)
}

// NewRunID returns a fresh run identifier.
func (a *App) NewRunID() (string, error) {
	id, err := uuid.New().NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// NewPipeline wires a pipeline for one run. A nil fetcher builds an
// offline pipeline that can only process stored artifacts.
func (a *App) NewPipeline(runID string, fetcher harvest.Fetcher) (*pipeline.Pipeline, error) {
	hosts, err := scope.New(a.cfg.Crawler.RootURL, a.cfg.Crawler.AllowedHosts...)
	if err != nil {
		return nil, fmt.Errorf("init crawl scope: %w", err)
	}
	p, err := pipeline.New(pipeline.Config{
		RootURL: a.cfg.Crawler.RootURL,
		Years:   a.cfg.YearRange(),
		Topic:   a.cfg.PubSub.TopicName,
		RunID:   runID,
	}, pipeline.Deps{
		Fetcher: fetcher,
		Frontier: frontier.New(frontier.Selectors{
			YearLinks:     a.cfg.Selectors.YearLinks,
			ItemLinks:     a.cfg.Selectors.ItemLinks,
			ArtifactLinks: a.cfg.Selectors.ArtifactLinks,
		}),
		Store:     a.store,
		Extractor: extract.New(),
		Ledger:    a.ledger,
		Publisher: a.publisher,
		Emitter:   a.hub,
		Clock:     system.New(),
		Scope:     hosts,
	}, a.logger.Named("pipeline").With(zap.String("run_id", runID)))
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	return p, nil
}

// PoolConfig returns worker pool settings.
func (a *App) PoolConfig() pool.Config {
	return pool.Config{
		Workers:       a.cfg.Crawler.Concurrency,
		QueueDepth:    a.cfg.Crawler.QueueDepth,
		ShutdownGrace: a.cfg.ShutdownGrace(),
	}
}

// RetryPolicy returns the configured retry policy. Zero retries disables
// retrying rather than selecting the default budget.
func (a *App) RetryPolicy() *retry.ExponentialPolicy {
	attempts := a.cfg.HTTP.MaxRetries
	if attempts == 0 {
		attempts = -1
	}
	return retry.NewExponentialPolicy(
		attempts,
		msDuration(a.cfg.HTTP.BackoffInitialMs),
		msDuration(a.cfg.HTTP.BackoffMaxMs),
	)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// StatusServer builds the status API backed by this App.
func (a *App) StatusServer() *api.Server {
	return api.NewServer(api.Deps{
		Progress:   a.tracker,
		Ledger:     a.ledger,
		Gatherer:   a.registry,
		Middleware: []func(next http.Handler) http.Handler{a.metrics.Middleware},
	}, a.logger)
}

// Artifacts lists stored PDFs so they can be extracted without crawling.
func (a *App) Artifacts() ([]storage.Key, error) {
	lister, ok := a.store.(Lister)
	if !ok {
		return nil, ErrNoLister
	}
	keys, err := lister.List(".pdf")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return keys, nil
}

// Close flushes progress events and releases every service. It is safe to
// call once.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
