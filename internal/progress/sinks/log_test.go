package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, JobType: "range", TS: time.Now(), Stage: progress.StageBatchDone, Batch: 2, Succeeded: 5},
		{RunID: runID, JobType: "range", TS: time.Now(), Stage: progress.StageItemFailed, Key: "104", Note: "boom"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.EqualValues(t, 2, entries[0].ContextMap()["batch"])
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, "104", entries[1].ContextMap()["key"])
}
