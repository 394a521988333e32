package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// PrometheusSink exports run progress via Prometheus: runs started, completed
// and in flight, items by outcome and batch wall time.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	itemsTotal    *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Job runs started, labeled by job type.",
		}, []string{"job_type"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Job runs completed, labeled by job type and result.",
		}, []string{"job_type", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running job runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"job_type", "result"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_units_total",
			Help: "Units of work processed, labeled by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_batch_duration_seconds",
			Help:    "Wall time per batch.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"job_type"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.itemsTotal,
		s.batchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.runsStarted.WithLabelValues(evt.JobType).Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageBatchDone:
			s.addOutcomes(evt)
			if evt.Dur > 0 {
				s.batchDuration.WithLabelValues(evt.JobType).Observe(evt.Dur.Seconds())
			}
		case progress.StageJobDone:
			s.finish(evt, "success")
		case progress.StageJobError:
			s.finish(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) addOutcomes(evt progress.Event) {
	if evt.Succeeded > 0 {
		s.itemsTotal.WithLabelValues(evt.JobType, "succeeded").Add(float64(evt.Succeeded))
	}
	if evt.Skipped > 0 {
		s.itemsTotal.WithLabelValues(evt.JobType, "skipped").Add(float64(evt.Skipped))
	}
	if evt.Failed > 0 {
		s.itemsTotal.WithLabelValues(evt.JobType, "failed").Add(float64(evt.Failed))
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(evt.JobType, result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(evt.JobType, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
