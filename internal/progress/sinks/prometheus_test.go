package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, JobType: "range-crawler", TS: now, Stage: progress.StageJobStart},
		{
			RunID:     runID,
			JobType:   "range-crawler",
			TS:        now.Add(time.Second),
			Stage:     progress.StageBatchDone,
			Succeeded: 4,
			Skipped:   1,
			Failed:    2,
			Dur:       time.Second,
		},
		{RunID: runID, JobType: "range-crawler", TS: now.Add(2 * time.Second), Stage: progress.StageJobDone, Dur: 2 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("range-crawler")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("range-crawler", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.itemsTotal.WithLabelValues("range-crawler", "succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsTotal.WithLabelValues("range-crawler", "skipped")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.itemsTotal.WithLabelValues("range-crawler", "failed")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchDuration))
}

func TestPrometheusSinkTracksRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	start := progress.Event{RunID: runID, JobType: "refresh", TS: time.Now(), Stage: progress.StageJobStart}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	errEvt := progress.Event{RunID: runID, JobType: "refresh", TS: time.Now(), Stage: progress.StageJobError, Note: "boom"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{errEvt, errEvt}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("refresh", "error")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
