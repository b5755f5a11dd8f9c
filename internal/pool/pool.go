// Package pool runs every crawl stage on one fixed set of workers fed by one
// bounded queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/queue/memory"
)

// Defaults applied when Config fields are zero.
const (
	DefaultWorkers       = 10
	DefaultQueueDepth    = 256
	DefaultShutdownGrace = 10 * time.Second
)

// Outcome is the item-level result a handler reports for one target.
// Intermediate pages report OutcomeNone.
type Outcome int

// Handler outcomes.
const (
	OutcomeNone Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeSkipped
)

// Result is what a handler returns for a target it finished.
type Result struct {
	Children []harvest.CrawlTarget
	Outcome  Outcome
}

// Handler processes targets. Handle errors that wrap harvest.ErrTransient are
// retried per the RetryPolicy; any other non-fatal error, and transient
// errors that exhausted their budget, are passed to Abandon. Errors for
// which harvest.IsFatal holds stop the run.
type Handler interface {
	Handle(ctx context.Context, target harvest.CrawlTarget) (Result, error)
	Abandon(ctx context.Context, target harvest.CrawlTarget, cause error) (Outcome, error)
}

// RetryPolicy decides whether and when a failed target is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config controls pool sizing and shutdown.
type Config struct {
	Workers       int
	QueueDepth    int
	ShutdownGrace time.Duration
	// OnRetry, when set, is called before a target waits for its next attempt.
	OnRetry func(target harvest.CrawlTarget, cause error, wait time.Duration)
}

// Summary counts what a run did.
type Summary struct {
	Succeeded  int64
	Failed     int64
	Skipped    int64
	Retried    int64
	Discovered int64
}

// Pool is a reusable worker pool. Each Run owns its own queue.
type Pool struct {
	cfg     Config
	handler Handler
	retry   RetryPolicy
	logger  *zap.Logger
}

// New constructs a Pool.
func New(cfg Config, handler Handler, retry RetryPolicy, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, handler: handler, retry: retry, logger: logger.Named("pool")}
}

// run holds the state shared by the workers of one Run call.
type run struct {
	*Pool
	queue       *memory.Queue
	outstanding atomic.Int64
	workCtx     context.Context
	cancelWork  context.CancelFunc

	succeeded  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	retried    atomic.Int64
	discovered atomic.Int64
}

// Run processes seeds and everything they discover until no work remains,
// ctx is canceled, or a handler reports a fatal error. After ctx is canceled
// no new target is dequeued; handlers already running keep their context
// until the shutdown grace elapses.
func (p *Pool) Run(ctx context.Context, seeds []harvest.CrawlTarget) (Summary, error) {
	r := &run{Pool: p, queue: memory.NewQueue(p.cfg.QueueDepth)}
	r.workCtx, r.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	defer r.cancelWork()

	if len(seeds) == 0 {
		return r.summary(), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	stopGrace := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.cfg.ShutdownGrace, r.cancelWork)
	})
	defer stopGrace()

	r.outstanding.Add(int64(len(seeds)))
	for range p.cfg.Workers {
		g.Go(func() error {
			return r.work(gctx)
		})
	}
	g.Go(func() error {
		for _, seed := range seeds {
			if err := r.queue.Enqueue(gctx, seed); err != nil {
				return fmt.Errorf("enqueue seed: %w", err)
			}
		}
		return nil
	})

	err := g.Wait()
	summary := r.summary()
	switch {
	case err != nil && harvest.IsFatal(err):
		return summary, err
	case ctx.Err() != nil:
		return summary, fmt.Errorf("harvest interrupted: %w", ctx.Err())
	case err != nil:
		return summary, err
	}
	return summary, nil
}

func (r *run) summary() Summary {
	return Summary{
		Succeeded:  r.succeeded.Load(),
		Failed:     r.failed.Load(),
		Skipped:    r.skipped.Load(),
		Retried:    r.retried.Load(),
		Discovered: r.discovered.Load(),
	}
}

// work dequeues targets until the queue closes. Children that do not fit in
// the queue are processed by this worker before it dequeues again.
func (r *run) work(ctx context.Context) error {
	var local []harvest.CrawlTarget
	for {
		var target harvest.CrawlTarget
		if n := len(local); n > 0 {
			target = local[n-1]
			local = local[:n-1]
		} else {
			next, err := r.queue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dequeue: %w", err)
			}
			target = next
		}
		if ctx.Err() != nil {
			return nil
		}

		children, err := r.process(ctx, target)
		if err != nil {
			r.cancelWork()
			return err
		}
		for _, child := range children {
			r.outstanding.Add(1)
			if !r.queue.TryEnqueue(child) {
				local = append(local, child)
			}
		}
		if r.outstanding.Add(-1) == 0 {
			r.queue.Close()
		}
	}
}

// process runs one target and returns the targets to schedule next: its
// children, or the target itself when it is being retried. The only error
// returned is a fatal one.
func (r *run) process(ctx context.Context, target harvest.CrawlTarget) ([]harvest.CrawlTarget, error) {
	res, err := r.handler.Handle(r.workCtx, target)
	if err == nil {
		r.count(res.Outcome)
		r.discovered.Add(int64(len(res.Children)))
		return res.Children, nil
	}
	if harvest.IsFatal(err) {
		return nil, err
	}
	if r.retry != nil && r.retry.ShouldRetry(err, target.Attempt) {
		wait := r.retry.Backoff(target.Attempt)
		r.logger.Debug("retrying target",
			zap.String("url", target.URL),
			zap.Int("attempt", target.Attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(target, err, wait)
		}
		if !sleep(ctx, wait) {
			return nil, nil
		}
		r.retried.Add(1)
		return []harvest.CrawlTarget{target.Retry()}, nil
	}
	outcome, abandonErr := r.handler.Abandon(r.workCtx, target, err)
	if abandonErr != nil {
		return nil, abandonErr
	}
	r.count(outcome)
	return nil, nil
}

func (r *run) count(o Outcome) {
	switch o {
	case OutcomeSucceeded:
		r.succeeded.Add(1)
	case OutcomeFailed:
		r.failed.Add(1)
	case OutcomeSkipped:
		r.skipped.Add(1)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
