// Package pipeline routes crawl targets through discovery, download,
// extraction, and the progress ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/clock/system"
	"github.com/JakeFAU/paper-harvester/internal/frontier"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/pool"
	"github.com/JakeFAU/paper-harvester/internal/progress"
)

// Journal combines the ledger with the discovery journal.
type Journal interface {
	harvest.Ledger
	harvest.DiscoveryJournal
}

// Config carries per-run settings.
type Config struct {
	RootURL string
	Years   harvest.YearRange
	// Topic is passed to the Publisher for every successful item.
	Topic string
	RunID string
}

// Scope admits discovered URLs.
type Scope interface {
	AllowFetch(url string) bool
}

// Deps are the collaborators a Pipeline drives. Publisher, Emitter and Scope
// are optional; Fetcher may be nil when every artifact is already stored.
type Deps struct {
	Fetcher   harvest.Fetcher
	Frontier  harvest.Frontier
	Store     harvest.ArtifactStore
	Extractor harvest.Extractor
	Ledger    Journal
	Publisher harvest.Publisher
	Emitter   progress.Emitter
	Clock     harvest.Clock
	Scope     Scope
}

// Message is the payload published for each extracted paper.
type Message struct {
	File     string `json:"file"`
	Year     string `json:"year"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

// Pipeline implements pool.Handler.
type Pipeline struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
}

var _ pool.Handler = (*Pipeline)(nil)

// New constructs a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Frontier == nil || deps.Store == nil || deps.Extractor == nil || deps.Ledger == nil {
		return nil, errors.New("pipeline requires frontier, store, extractor and ledger")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer("github.com/JakeFAU/paper-harvester/internal/pipeline"),
		logger: logger.Named("pipeline"),
	}, nil
}

// Seeds returns the root index target.
func (p *Pipeline) Seeds() []harvest.CrawlTarget {
	return []harvest.CrawlTarget{{URL: p.cfg.RootURL, Stage: harvest.StageIndex}}
}

// Handle processes one target. Pages return their children; artifacts are
// stored, extracted, and recorded.
func (p *Pipeline) Handle(ctx context.Context, target harvest.CrawlTarget) (pool.Result, error) {
	ctx, span := p.tracer.Start(ctx, "harvest."+string(target.Stage), trace.WithAttributes(
		attribute.String("harvest.url", target.URL),
		attribute.String("harvest.partition", target.Partition),
		attribute.Int("harvest.attempt", target.Attempt),
	))
	defer span.End()

	var (
		res pool.Result
		err error
	)
	if target.Stage == harvest.StageArtifact {
		res, err = p.handleArtifact(ctx, target)
	} else {
		res, err = p.handlePage(ctx, target)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(harvest.Classify(err)))
	}
	return res, err
}

func (p *Pipeline) handlePage(ctx context.Context, target harvest.CrawlTarget) (pool.Result, error) {
	children, ok := p.deps.Ledger.Pages(target.URL)
	if !ok {
		body, err := p.fetch(ctx, target)
		if err != nil {
			return pool.Result{}, err
		}
		children = p.deps.Frontier.Discover(target, body, nil)
		if err := p.deps.Ledger.RecordPage(ctx, target.URL, children); err != nil {
			return pool.Result{}, fmt.Errorf("journal page: %w", err)
		}
	}
	if target.IsRoot() {
		children = p.inRange(children)
	}
	children = p.inScope(children)
	p.logger.Debug("discovered",
		zap.String("url", target.URL),
		zap.String("stage", string(target.Stage)),
		zap.Int("children", len(children)),
		zap.Bool("replayed", ok),
	)
	return pool.Result{Children: children}, nil
}

// inRange drops year partitions outside the configured range. Filtering
// happens after journaling so a later run with a wider range still sees
// every year.
func (p *Pipeline) inRange(children []harvest.CrawlTarget) []harvest.CrawlTarget {
	out := children[:0:0]
	for _, child := range children {
		year, err := strconv.Atoi(child.Partition)
		if err != nil || !p.cfg.Years.Contains(year) {
			continue
		}
		out = append(out, child)
	}
	return out
}

func (p *Pipeline) inScope(children []harvest.CrawlTarget) []harvest.CrawlTarget {
	if p.deps.Scope == nil {
		return children
	}
	out := children[:0:0]
	for _, child := range children {
		if !p.deps.Scope.AllowFetch(child.URL) {
			p.logger.Debug("out of scope", zap.String("url", child.URL))
			continue
		}
		out = append(out, child)
	}
	return out
}

func (p *Pipeline) handleArtifact(ctx context.Context, target harvest.CrawlTarget) (pool.Result, error) {
	filename := frontier.Filename(target.URL)
	if filename == "" {
		return pool.Result{}, fmt.Errorf("artifact %q has no filename: %w", target.URL, harvest.ErrParse)
	}
	if p.deps.Ledger.IsComplete(filename) {
		p.emitItem(target, filename, progress.ItemSkipped, "", "")
		return pool.Result{Outcome: pool.OutcomeSkipped}, nil
	}

	data, err := p.artifact(ctx, target, filename)
	if err != nil {
		return pool.Result{}, err
	}

	rec, err := p.deps.Extractor.Extract(data)
	if err != nil {
		return pool.Result{}, fmt.Errorf("extract %s: %w", filename, err)
	}
	rec.Partition = target.Partition
	rec.Filename = filename

	// The work is done; a shutdown that cancels ctx now must not lose it.
	if err := p.deps.Ledger.Record(context.WithoutCancel(ctx), harvest.SuccessEntry(rec)); err != nil {
		return pool.Result{}, fmt.Errorf("record %s: %w", filename, err)
	}
	p.publish(ctx, rec)
	p.emitItem(target, filename, progress.ItemSucceeded, "", rec.Title)
	return pool.Result{Outcome: pool.OutcomeSucceeded}, nil
}

// artifact returns the stored bytes, downloading them first when the store
// has no copy.
func (p *Pipeline) artifact(ctx context.Context, target harvest.CrawlTarget, filename string) ([]byte, error) {
	_, exists, err := p.deps.Store.Stat(ctx, target.Partition, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		data, err := p.deps.Store.Load(ctx, target.Partition, filename)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	data, err := p.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	if _, err := p.deps.Store.Save(ctx, target.Partition, filename, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Pipeline) fetch(ctx context.Context, target harvest.CrawlTarget) ([]byte, error) {
	if p.deps.Fetcher == nil {
		return nil, fmt.Errorf("fetch %s: no fetcher configured: %w", target.URL, harvest.ErrPermanent)
	}
	res := p.deps.Fetcher.Fetch(ctx, target.URL)
	p.deps.Emitter.Emit(progress.Event{
		RunID:       p.cfg.RunID,
		TS:          p.deps.Clock.Now(),
		Kind:        progress.KindFetchDone,
		Stage:       target.Stage,
		URL:         target.URL,
		Partition:   target.Partition,
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Bytes:       int64(len(res.Body)),
		Dur:         res.Duration,
		Note:        res.Reason,
	})
	if !res.OK() {
		return nil, res.Err()
	}
	return res.Body, nil
}

func (p *Pipeline) publish(ctx context.Context, rec harvest.ExtractionRecord) {
	if p.deps.Publisher == nil {
		return
	}
	msg := Message{File: rec.Filename, Year: rec.Partition, Title: rec.Title, Abstract: rec.Abstract}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, msg); err != nil {
		p.logger.Warn("publish failed", zap.String("file", rec.Filename), zap.Error(err))
	}
}

// Abandon records an artifact that exhausted its retries or failed
// permanently. Page failures are logged only; the page is fetched again on
// the next run because it was never journaled.
func (p *Pipeline) Abandon(ctx context.Context, target harvest.CrawlTarget, cause error) (pool.Outcome, error) {
	if ctx.Err() != nil {
		// Interrupted work stays pending for the next run.
		return pool.OutcomeNone, nil
	}
	if target.Stage != harvest.StageArtifact {
		p.logger.Warn("page abandoned",
			zap.String("url", target.URL),
			zap.String("stage", string(target.Stage)),
			zap.String("kind", string(harvest.Classify(cause))),
			zap.Error(cause),
		)
		return pool.OutcomeNone, nil
	}
	filename := frontier.Filename(target.URL)
	if filename == "" {
		p.logger.Warn("artifact without filename abandoned", zap.String("url", target.URL), zap.Error(cause))
		return pool.OutcomeNone, nil
	}
	if err := p.deps.Ledger.Record(context.WithoutCancel(ctx), harvest.FailureEntry(target.Partition, filename, cause)); err != nil {
		return pool.OutcomeNone, fmt.Errorf("record failure %s: %w", filename, err)
	}
	p.emitItem(target, filename, progress.ItemFailed, harvest.Classify(cause), cause.Error())
	return pool.OutcomeFailed, nil
}

// OnRetry reports a pending retry to the emitter. It matches
// pool.Config.OnRetry.
func (p *Pipeline) OnRetry(target harvest.CrawlTarget, cause error, wait time.Duration) {
	p.deps.Emitter.Emit(progress.Event{
		RunID:     p.cfg.RunID,
		TS:        p.deps.Clock.Now(),
		Kind:      progress.KindRetry,
		Stage:     target.Stage,
		URL:       target.URL,
		Partition: target.Partition,
		Failure:   harvest.Classify(cause),
		Dur:       wait,
		Note:      cause.Error(),
	})
}

func (p *Pipeline) emitItem(
	target harvest.CrawlTarget,
	filename string,
	outcome progress.ItemOutcome,
	kind harvest.FailureKind,
	note string,
) {
	p.deps.Emitter.Emit(progress.Event{
		RunID:     p.cfg.RunID,
		TS:        p.deps.Clock.Now(),
		Kind:      progress.KindItemDone,
		Stage:     harvest.StageArtifact,
		URL:       target.URL,
		Partition: target.Partition,
		Filename:  filename,
		Outcome:   outcome,
		Failure:   kind,
		Note:      note,
	})
}
