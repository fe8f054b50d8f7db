package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_webhook_requests_total",
			Help: "Total number of webhook requests by outcome",
		},
		[]string{"webhook", "result"},
	)

	WebhookBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_webhook_bytes_total",
			Help: "Total bytes of webhook payloads received",
		},
		[]string{"webhook"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_rate_limit_hits_total",
			Help: "Total number of requests rejected by a rate limit window",
		},
		[]string{"window"},
	)

	// Normalization metrics
	NormalizationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatlink_normalization_duration_seconds",
			Help:    "Duration of payload detection and parsing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_type"},
	)

	AlertsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_alerts_ingested_total",
			Help: "Total number of alerts accepted into the pipeline",
		},
		[]string{"source"},
	)

	AlertsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatlink_alerts_duplicate_total",
			Help: "Total number of alerts dropped as already seen",
		},
	)

	// Analysis queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threatlink_analysis_queue_depth",
			Help: "Current depth of the analysis queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threatlink_analysis_queue_capacity",
			Help: "Maximum capacity of the analysis queue",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatlink_analysis_queue_dropped_total",
			Help: "Total number of alert ids dropped because the analysis queue was full",
		},
	)

	// Correlation metrics
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatlink_analysis_duration_seconds",
			Help:    "Duration of relationship analysis runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CorrelationsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatlink_correlations_found_total",
			Help: "Total number of correlations written",
		},
	)

	AnalysisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_analysis_errors_total",
			Help: "Total number of failed analysis or detection runs",
		},
		[]string{"stage"},
	)

	// Campaign metrics
	CampaignsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_campaigns_total",
			Help: "Total number of campaigns created or updated",
		},
		[]string{"change"},
	)

	// Connector metrics
	ConnectorSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_connector_syncs_total",
			Help: "Total number of connector sync cycles by outcome",
		},
		[]string{"connector", "result"},
	)

	ConnectorSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatlink_connector_sync_duration_seconds",
			Help:    "Duration of connector sync cycles in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"connector"},
	)

	ConnectorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_connector_retries_total",
			Help: "Total number of retried outbound connector calls",
		},
		[]string{"connector"},
	)

	// Storage metrics
	ArchiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatlink_archive_errors_total",
			Help: "Total number of alert archive failures",
		},
	)

	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatlink_dlq_writes_total",
			Help: "Total number of payloads written to the dead-letter queue",
		},
		[]string{"reason"},
	)
)

// ScheduledRuns counts scheduled job executions by outcome.
var ScheduledRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "threatlink_scheduled_runs_total",
		Help: "Total number of scheduled job runs by outcome",
	},
	[]string{"job", "result"},
)
