package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	"github.com/JakeFAU/paper-harvester/internal/pool"
	"github.com/JakeFAU/paper-harvester/internal/progress"
	"github.com/JakeFAU/paper-harvester/internal/storage"
)

// Run drives seeds through a fresh worker pool and brackets the run with
// start and finish events. Interrupted runs are reported as done: whatever
// was not recorded is picked up by the next run.
func (p *Pipeline) Run(
	ctx context.Context,
	cfg pool.Config,
	policy pool.RetryPolicy,
	seeds []harvest.CrawlTarget,
) (pool.Summary, error) {
	start := p.deps.Clock.Now()
	p.emitRun(progress.KindRunStart, start, 0, "")

	if cfg.OnRetry == nil {
		cfg.OnRetry = p.OnRetry
	}
	summary, err := pool.New(cfg, p, policy, p.logger).Run(ctx, seeds)

	end := p.deps.Clock.Now()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		p.emitRun(progress.KindRunDone, end, end.Sub(start), "")
	default:
		p.emitRun(progress.KindRunError, end, end.Sub(start), err.Error())
	}
	p.logger.Info("run finished",
		zap.String("run_id", p.cfg.RunID),
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("failed", summary.Failed),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("retried", summary.Retried),
		zap.Int64("discovered", summary.Discovered),
		zap.Error(err),
	)
	return summary, err
}

// ArtifactTargets turns stored artifact keys into artifact targets so stored
// files can be extracted without crawling.
func ArtifactTargets(keys []storage.Key) []harvest.CrawlTarget {
	out := make([]harvest.CrawlTarget, 0, len(keys))
	for _, k := range keys {
		out = append(out, harvest.CrawlTarget{URL: k.Filename, Partition: k.Partition, Stage: harvest.StageArtifact})
	}
	return out
}

func (p *Pipeline) emitRun(kind progress.Kind, ts time.Time, dur time.Duration, note string) {
	p.deps.Emitter.Emit(progress.Event{RunID: p.cfg.RunID, TS: ts, Kind: kind, Dur: dur, Note: note})
}
