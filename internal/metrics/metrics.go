package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes recorded by RecordFetch
const (
	FetchCache   = "cache"
	FetchNetwork = "network"
	FetchError   = "error"
)

// Recorder collects tracker metrics in its own registry
type Recorder struct {
	registry *prometheus.Registry

	jobStatus     *prometheus.CounterVec
	batchStatus   *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	pageFetches   *prometheus.CounterVec
	verifyFailed  *prometheus.CounterVec
}

// NewRecorder creates a recorder with Go and process collectors registered
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		jobStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_job_status_total",
			Help: "Job attempts by kind and resulting status.",
		}, []string{"kind", "status"}),
		batchStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_batch_status_total",
			Help: "Batch runs by type and final status.",
		}, []string{"type", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_batch_duration_seconds",
			Help:    "Duration of batch runs.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"type"}),
		pageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_page_fetch_total",
			Help: "Page reads by batch type and outcome (cache, network, error).",
		}, []string{"type", "outcome"}),
		verifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_verify_failed_total",
			Help: "Batches whose summary figures failed verification.",
		}, []string{"type"}),
	}
	registry.MustRegister(r.jobStatus, r.batchStatus, r.batchDuration, r.pageFetches, r.verifyFailed)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordJob counts a job attempt outcome. A nil recorder records nothing.
func (r *Recorder) RecordJob(kind, status string) {
	if r == nil {
		return
	}
	r.jobStatus.WithLabelValues(kind, status).Inc()
}

// RecordBatch counts a finalized batch and observes its duration
func (r *Recorder) RecordBatch(typ, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.batchStatus.WithLabelValues(typ, status).Inc()
	r.batchDuration.WithLabelValues(typ).Observe(d.Seconds())
}

// RecordFetch counts a page read
func (r *Recorder) RecordFetch(typ, outcome string) {
	if r == nil {
		return
	}
	r.pageFetches.WithLabelValues(typ, outcome).Inc()
}

// RecordVerifyFailure counts a failed verification
func (r *Recorder) RecordVerifyFailure(typ string) {
	if r == nil {
		return
	}
	r.verifyFailed.WithLabelValues(typ).Inc()
}
