package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry       *prometheus.Registry
	segmentsTotal  *prometheus.CounterVec
	documentsDone  prometheus.Gauge
	documentsTotal prometheus.Gauge
	pollTicks      prometheus.Counter
	segmentRunning prometheus.Gauge
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		segmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_segments_total",
				Help: "Total number of source segments processed",
			},
			[]string{"status"},
		),
		documentsDone: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_segment_documents_done",
				Help: "Documents copied so far for the running segment",
			},
		),
		documentsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_segment_documents_total",
				Help: "Documents the running segment's operation will copy",
			},
		),
		pollTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_poll_ticks_total",
				Help: "Total number of task status polls",
			},
		),
		segmentRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_segment_running",
				Help: "1 while a segment's reindex operation is in flight",
			},
		),
	}

	c.registry.MustRegister(c.segmentsTotal)
	c.registry.MustRegister(c.documentsDone)
	c.registry.MustRegister(c.documentsTotal)
	c.registry.MustRegister(c.pollTicks)
	c.registry.MustRegister(c.segmentRunning)

	return c
}

// IncSegmentDone increments the completed segment counter
func (c *Collector) IncSegmentDone() {
	c.segmentsTotal.WithLabelValues("done").Inc()
	c.segmentRunning.Set(0)
}

// IncSegmentFailed increments the failed segment counter
func (c *Collector) IncSegmentFailed() {
	c.segmentsTotal.WithLabelValues("failed").Inc()
	c.segmentRunning.Set(0)
}

// SegmentStarted marks a segment's operation as in flight
func (c *Collector) SegmentStarted() {
	c.segmentRunning.Set(1)
	c.documentsDone.Set(0)
	c.documentsTotal.Set(0)
}

// ObservePoll records one poll tick and its progress counts
func (c *Collector) ObservePoll(done, total int64) {
	c.pollTicks.Inc()
	c.documentsDone.Set(float64(done))
	c.documentsTotal.Set(float64(total))
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
