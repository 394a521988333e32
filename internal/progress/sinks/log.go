package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// LogSink writes run-level and batch-level events as structured logs. Item
// events are logged at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("job_type", evt.JobType),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageItemDone, progress.StageItemFailed:
			fields = append(fields,
				zap.Int("batch", evt.Batch),
				zap.String("key", evt.Key),
				zap.Int("items", evt.Items),
				zap.String("note", evt.Note),
			)
			s.logger.Debug("progress event", fields...)
			continue
		case progress.StageBatchDone:
			fields = append(fields, zap.Int("batch", evt.Batch))
		}
		fields = append(fields,
			zap.Int("succeeded", evt.Succeeded),
			zap.Int("skipped", evt.Skipped),
			zap.Int("failed", evt.Failed),
			zap.Int("items", evt.Items),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
