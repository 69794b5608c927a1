package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-extractor/internal/progress"
)

// PrometheusSink turns batch events into counters and histograms.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchRuntime     *prometheus.HistogramVec
	pages            *prometheus.CounterVec
	pageDuration     *prometheus.HistogramVec
	records          *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors with reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractor_batches_started_total",
			Help: "Batch scrapes started.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_batches_completed_total",
			Help: "Batch scrapes completed, partitioned by result.",
		}, []string{"result"}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extractor_batch_runtime_seconds",
			Help:    "Wall time per batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_batch_pages_total",
			Help: "Pages processed in batches, partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extractor_batch_page_duration_seconds",
			Help:    "Per-page fetch and extract time.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extractor_batch_records_total",
			Help: "Records accepted in batches, partitioned by strategy.",
		}, []string{"strategy"}),
	}
	for _, c := range []prometheus.Collector{
		s.batchesStarted, s.batchesCompleted, s.batchRuntime, s.pages, s.pageDuration, s.records,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart:
			s.batchesStarted.Inc()
		case progress.StageBatchDone:
			s.finish(evt, "success")
		case progress.StageBatchError:
			s.finish(evt, "error")
		case progress.StagePageDone:
			s.page(evt, "done")
		case progress.StagePageSkipped:
			s.page(evt, "skipped")
		case progress.StageRecord:
			strategy := evt.Strategy
			if strategy == "" {
				strategy = "unknown"
			}
			s.records.WithLabelValues(strategy).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.batchesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) page(evt progress.Event, outcome string) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	s.pages.WithLabelValues(site, outcome).Inc()
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(site).Observe(evt.Dur.Seconds())
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
