// Package metrics provides internal metrics collection for the job
// pipeline. This package is internal and should not be imported by
// external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the pipeline's prometheus metrics.
type Collector struct {
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	publishesTotal  *prometheus.CounterVec
	overloadRetries prometheus.Counter
	sessionsStarted prometheus.Counter
	sessionsRecycle prometheus.Counter
}

// NewCollector registers the pipeline metrics on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_processed_total",
				Help:      "Total jobs processed by the dispatcher",
			},
			[]string{"container", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_processing_duration_seconds",
				Help:      "Worker invocation duration per job",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"container"},
		),
		publishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_published_total",
				Help:      "Jobs accepted by the ingress, including deduplicated ones",
			},
			[]string{"container"},
		),
		overloadRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_overload_retries_total",
				Help:      "Upstream overload retries performed by the LLM client",
			},
		),
		sessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browser_sessions_started_total",
				Help:      "Browser sessions launched",
			},
		),
		sessionsRecycle: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browser_sessions_recycled_total",
				Help:      "Browser sessions torn down after idle expiry",
			},
		),
	}

	reg.MustRegister(
		c.jobsTotal,
		c.jobDuration,
		c.publishesTotal,
		c.overloadRetries,
		c.sessionsStarted,
		c.sessionsRecycle,
	)
	return c
}

// JobProcessed records one dispatcher outcome.
func (c *Collector) JobProcessed(container string, success bool, d time.Duration) {
	outcome := "failed"
	if success {
		outcome = "completed"
	}
	c.jobsTotal.WithLabelValues(container, outcome).Inc()
	c.jobDuration.WithLabelValues(container).Observe(d.Seconds())
}

// JobPublished records one ingress publish.
func (c *Collector) JobPublished(container string) {
	c.publishesTotal.WithLabelValues(container).Inc()
}

// OverloadRetry records one upstream overload retry.
func (c *Collector) OverloadRetry() { c.overloadRetries.Inc() }

// SessionStarted records a browser session launch.
func (c *Collector) SessionStarted() { c.sessionsStarted.Inc() }

// SessionRecycled records an idle-expiry teardown.
func (c *Collector) SessionRecycled() { c.sessionsRecycle.Inc() }
