package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/paper-harvester/internal/progress"
)

// PrometheusSink exports harvest progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   prometheus.Histogram

	items   *prometheus.CounterVec
	retries *prometheus.CounterVec

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Harvest runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_completed_total",
			Help: "Harvest runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_runs_active",
			Help: "Harvest runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_items_total",
			Help: "Artifacts finished partitioned by outcome and failure kind.",
		}, []string{"outcome", "kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_retries_total",
			Help: "Targets re-enqueued after a transient failure.",
		}, []string{"stage"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_fetches_total",
			Help: "Fetch completions partitioned by stage and status class.",
		}, []string{"stage", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_fetch_bytes_total",
			Help: "Bytes downloaded per stage.",
		}, []string{"stage"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by stage.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.items,
		s.retries,
		s.fetches,
		s.fetchBytes,
		s.fetchDuration,
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
		switch evt.Kind {
		case progress.KindRunStart:
			s.runsStarted.Inc()
			s.runsActive.Inc()
		case progress.KindRunDone:
			s.finishRun(evt, "success")
		case progress.KindRunError:
			s.finishRun(evt, "error")
		case progress.KindItemDone:
			s.items.WithLabelValues(string(evt.Outcome), string(evt.Failure)).Inc()
		case progress.KindRetry:
			s.retries.WithLabelValues(string(evt.Stage)).Inc()
		case progress.KindFetchDone:
			s.observeFetch(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	s.runsActive.Dec()
	if evt.Dur > 0 {
		s.runDuration.Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	stage := string(evt.Stage)
	class := evt.StatusClass
	if class == "" {
		class = progress.StatusOther
	}
	s.fetches.WithLabelValues(stage, string(class)).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(stage).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(stage).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
