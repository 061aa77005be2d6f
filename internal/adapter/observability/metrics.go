package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of jobs enqueued per queue",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_processing",
			Help: "Number of jobs currently leased per queue",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of jobs completed per queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
	JobsDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_dlq_total",
			Help: "Total number of jobs moved to a dead-letter queue",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Stage handler duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)

	ContentStoreTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_content_store_total",
			Help: "Content submissions by outcome (new, duplicate)",
		},
		[]string{"outcome"},
	)

	GeocodeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_geocode_attempts_total",
			Help: "Geocoding provider attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	GeocodeCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_geocode_cache_hits_total",
			Help: "Geocoding cache hits",
		},
	)
	GeocodeBreakerOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_geocode_breaker_open_total",
			Help: "Circuit breaker open events per provider",
		},
		[]string{"provider"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_llm_requests_total",
			Help: "LLM requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_reconcile_total",
			Help: "Reconciler outcomes per entity type (created, merged, rejected)",
		},
		[]string{"entity", "outcome"},
	)
	ConstraintViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_reconciler_constraint_violations_total",
			Help: "Concurrent-insert constraint violations observed by the reconciler",
		},
	)

	ArchiveWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_archive_writes_total",
			Help: "Recorder archive writes by outcome",
		},
		[]string{"outcome"},
	)
)

// InitMetrics registers all pipeline collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsDLQTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ContentStoreTotal)
	prometheus.MustRegister(GeocodeAttemptsTotal)
	prometheus.MustRegister(GeocodeCacheHitsTotal)
	prometheus.MustRegister(GeocodeBreakerOpenTotal)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(ReconcileTotal)
	prometheus.MustRegister(ConstraintViolationsTotal)
	prometheus.MustRegister(ArchiveWritesTotal)
}
