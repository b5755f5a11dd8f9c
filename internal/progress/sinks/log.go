package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/paper-harvester/internal/progress"
)

// LogSink prints one structured line per finished item together with the
// running totals for the run.
type LogSink struct {
	logger    *zap.Logger
	succeeded int64
	failed    int64
	skipped   int64
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs item and run events. Fetch and retry events go to debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindItemDone:
			s.logItem(evt)
		case progress.KindRunStart:
			s.logger.Info("harvest started", zap.String("run_id", evt.RunID))
		case progress.KindRunDone, progress.KindRunError:
			s.logger.Info("harvest finished",
				zap.String("run_id", evt.RunID),
				zap.String("kind", string(evt.Kind)),
				zap.Duration("elapsed", evt.Dur),
				zap.Int64("succeeded", s.succeeded),
				zap.Int64("failed", s.failed),
				zap.Int64("skipped", s.skipped),
				zap.String("note", evt.Note),
			)
		case progress.KindRetry:
			s.logger.Debug("retrying target",
				zap.String("stage", string(evt.Stage)),
				zap.String("url", evt.URL),
				zap.String("note", evt.Note),
			)
		case progress.KindFetchDone:
			s.logger.Debug("fetched",
				zap.String("stage", string(evt.Stage)),
				zap.String("url", evt.URL),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
		}
	}
	return nil
}

func (s *LogSink) logItem(evt progress.Event) {
	fields := []zap.Field{
		zap.String("partition", evt.Partition),
		zap.String("file", evt.Filename),
	}
	switch evt.Outcome {
	case progress.ItemSucceeded:
		s.succeeded++
		fields = append(fields, zap.String("title", evt.Note), zap.Int64("succeeded", s.succeeded))
		s.logger.Info("processed", fields...)
	case progress.ItemFailed:
		s.failed++
		fields = append(fields,
			zap.String("kind", string(evt.Failure)),
			zap.String("reason", evt.Note),
			zap.Int64("failed", s.failed),
		)
		s.logger.Warn("failed", fields...)
	case progress.ItemSkipped:
		s.skipped++
		s.logger.Debug("already recorded", fields...)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
