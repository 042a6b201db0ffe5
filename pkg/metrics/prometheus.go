// Package metrics provides Prometheus metrics for the tutor retention pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the retention service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	registry         prometheus.Registerer

	// Bus Metrics - Stream consumption health
	busMessagesConsumed *prometheus.CounterVec
	busMessagesAcked    *prometheus.CounterVec
	busMessagesClaimed  *prometheus.CounterVec
	busDeadLettered     *prometheus.CounterVec
	busBacklogDepth     *prometheus.GaugeVec
	busConsumeLatency   prometheus.Histogram

	// Aggregator Metrics - Debounce and recomputation
	debounceScheduled   prometheus.Counter
	debounceCoalesced   prometheus.Counter
	recomputeRuns       prometheus.Counter
	recomputeLatency    prometheus.Histogram
	snapshotsWritten    prometheus.Counter
	dirtyTutors         prometheus.Gauge

	// Scorer Metrics
	riskScoresComputed prometheus.Counter
	riskScoreLatency   prometheus.Histogram
	riskLevelCurrent   *prometheus.CounterVec

	// Engine Metrics
	interventionsCreated   *prometheus.CounterVec
	interventionsSkipped   *prometheus.CounterVec
	notificationDispatches prometheus.Counter
	notificationFailures   prometheus.Counter

	// Supervisor Metrics
	sweepRuns          prometheus.Counter
	sweepLatency       prometheus.Histogram
	retryAttempts      *prometheus.CounterVec
	lastPollUnix       *prometheus.GaugeVec

	// Error Metrics - per stage tracking
	errorsByStage *prometheus.CounterVec

	// HTTP Metrics - ops and API surface
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "retention",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	// Bus Metrics
	m.busMessagesConsumed = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "bus_messages_consumed_total",
			Help:      "Total number of messages read from a stream by the consumer group",
		},
		[]string{"stream"},
	)

	m.busMessagesAcked = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "bus_messages_acked_total",
			Help:      "Total number of messages acknowledged",
		},
		[]string{"stream"},
	)

	m.busMessagesClaimed = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "bus_messages_claimed_total",
			Help:      "Total number of messages reclaimed after the visibility timeout",
		},
		[]string{"stream"},
	)

	m.busDeadLettered = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "bus_dead_lettered_total",
			Help:      "Total number of poison messages routed to a dead-letter stream",
		},
		[]string{"stream"},
	)

	m.busBacklogDepth = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "bus_backlog_depth",
			Help:      "Pending unacknowledged message count per stream",
		},
		[]string{"stream"},
	)

	m.busConsumeLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "bus_consume_latency_milliseconds",
		Help:      "Latency of a single consume poll in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	// Aggregator Metrics
	m.debounceScheduled = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "debounce_scheduled_total",
		Help:      "Total number of debounce timers scheduled",
	})

	m.debounceCoalesced = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "debounce_coalesced_total",
		Help:      "Total number of events absorbed into an already-pending timer",
	})

	m.recomputeRuns = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "recompute_runs_total",
		Help:      "Total number of per-tutor window recomputations",
	})

	m.recomputeLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "recompute_latency_milliseconds",
		Help:      "Latency of a full three-window recomputation in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.snapshotsWritten = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "snapshots_written_total",
		Help:      "Total number of metric snapshot rows persisted",
	})

	m.dirtyTutors = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "dirty_tutors",
		Help:      "Tutors currently waiting on a debounce timer",
	})

	// Scorer Metrics
	m.riskScoresComputed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "risk_scores_computed_total",
		Help:      "Total number of risk scores persisted",
	})

	m.riskScoreLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "risk_score_latency_milliseconds",
		Help:      "Latency of a single risk scoring pass in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.riskLevelCurrent = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "risk_level_assignments_total",
			Help:      "Total risk level assignments by bucket",
		},
		[]string{"level"},
	)

	// Engine Metrics
	m.interventionsCreated = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "interventions_created_total",
			Help:      "Total interventions created by type",
		},
		[]string{"type"},
	)

	m.interventionsSkipped = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "interventions_skipped_total",
			Help:      "Total candidate interventions skipped by reason (duplicate, rate_limited)",
		},
		[]string{"type", "reason"},
	)

	m.notificationDispatches = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "notification_dispatches_total",
		Help:      "Total notification dispatch attempts for automated interventions",
	})

	m.notificationFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "notification_failures_total",
		Help:      "Total failed notification dispatches",
	})

	// Supervisor Metrics
	m.sweepRuns = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "sweep_runs_total",
		Help:      "Total safety-net full-sweep runs",
	})

	m.sweepLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "sweep_latency_milliseconds",
		Help:      "Latency of a full safety-net sweep in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.retryAttempts = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "retry_attempts_total",
			Help:      "Total retry attempts by operation",
		},
		[]string{"operation"},
	)

	m.lastPollUnix = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "last_successful_poll_unix",
			Help:      "Unix timestamp of the last successful poll per stage",
		},
		[]string{"stage"},
	)

	// Error Metrics
	m.errorsByStage = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "errors_total",
			Help:      "Total errors by pipeline stage and kind",
		},
		[]string{"stage", "kind"},
	)

	// HTTP Metrics
	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by endpoint, method and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_request_duration_milliseconds",
			Help:      "HTTP request duration in milliseconds",
			Buckets:   m.histogramBuckets,
		},
		[]string{"endpoint", "method", "status"},
	)
}

// Bus Metrics Functions.

// RecordBusConsumed adds to the consumed counter for a stream.
func RecordBusConsumed(stream string, n int) {
	globalManager.busMessagesConsumed.WithLabelValues(stream).Add(float64(n))
}

// RecordBusAcked increments the ack counter for a stream.
func RecordBusAcked(stream string) {
	globalManager.busMessagesAcked.WithLabelValues(stream).Inc()
}

// RecordBusClaimed adds to the reclaimed counter for a stream.
func RecordBusClaimed(stream string, n int) {
	globalManager.busMessagesClaimed.WithLabelValues(stream).Add(float64(n))
}

// RecordBusDeadLettered increments the dead-letter counter for a stream.
func RecordBusDeadLettered(stream string) {
	globalManager.busDeadLettered.WithLabelValues(stream).Inc()
}

// UpdateBusBacklogDepth sets the pending message count for a stream.
func UpdateBusBacklogDepth(stream string, depth int64) {
	globalManager.busBacklogDepth.WithLabelValues(stream).Set(float64(depth))
}

// RecordBusConsumeLatency records the latency of one consume poll.
func RecordBusConsumeLatency(latencyMs float64) {
	globalManager.busConsumeLatency.Observe(latencyMs)
}

// Aggregator Metrics Functions.

// RecordDebounceScheduled increments the scheduled-timer counter.
func RecordDebounceScheduled() {
	globalManager.debounceScheduled.Inc()
}

// RecordDebounceCoalesced increments the coalesced-event counter.
func RecordDebounceCoalesced() {
	globalManager.debounceCoalesced.Inc()
}

// RecordRecomputeRun increments the recompute counter.
func RecordRecomputeRun() {
	globalManager.recomputeRuns.Inc()
}

// RecordRecomputeLatency records a recomputation latency in milliseconds.
func RecordRecomputeLatency(latencyMs float64) {
	globalManager.recomputeLatency.Observe(latencyMs)
}

// RecordSnapshotsWritten adds to the snapshot-row counter.
func RecordSnapshotsWritten(n int) {
	globalManager.snapshotsWritten.Add(float64(n))
}

// UpdateDirtyTutors sets the number of tutors with a pending debounce timer.
func UpdateDirtyTutors(n int) {
	globalManager.dirtyTutors.Set(float64(n))
}

// Scorer Metrics Functions.

// RecordRiskScoreComputed increments the risk score counter.
func RecordRiskScoreComputed() {
	globalManager.riskScoresComputed.Inc()
}

// RecordRiskScoreLatency records a scoring latency in milliseconds.
func RecordRiskScoreLatency(latencyMs float64) {
	globalManager.riskScoreLatency.Observe(latencyMs)
}

// RecordRiskLevel increments the per-bucket assignment counter.
func RecordRiskLevel(level string) {
	globalManager.riskLevelCurrent.WithLabelValues(level).Inc()
}

// Engine Metrics Functions.

// RecordInterventionCreated increments the created counter for a type.
func RecordInterventionCreated(interventionType string) {
	globalManager.interventionsCreated.WithLabelValues(interventionType).Inc()
}

// RecordInterventionSkipped increments the skipped counter for a type and reason.
func RecordInterventionSkipped(interventionType, reason string) {
	globalManager.interventionsSkipped.WithLabelValues(interventionType, reason).Inc()
}

// RecordNotificationDispatch increments the dispatch attempt counter.
func RecordNotificationDispatch() {
	globalManager.notificationDispatches.Inc()
}

// RecordNotificationFailure increments the failed dispatch counter.
func RecordNotificationFailure() {
	globalManager.notificationFailures.Inc()
}

// Supervisor Metrics Functions.

// RecordSweepRun increments the sweep counter.
func RecordSweepRun() {
	globalManager.sweepRuns.Inc()
}

// RecordSweepLatency records a full-sweep latency in milliseconds.
func RecordSweepLatency(latencyMs float64) {
	globalManager.sweepLatency.Observe(latencyMs)
}

// RecordRetryAttempt increments the retry counter for an operation.
func RecordRetryAttempt(operation string) {
	globalManager.retryAttempts.WithLabelValues(operation).Inc()
}

// UpdateLastPoll sets the last successful poll timestamp for a stage.
func UpdateLastPoll(stage string, ts time.Time) {
	globalManager.lastPollUnix.WithLabelValues(stage).Set(float64(ts.Unix()))
}

// Error Metrics Functions.

// RecordErrorByStage records an error with stage and kind labels.
func RecordErrorByStage(stage, kind string) {
	globalManager.errorsByStage.WithLabelValues(stage, kind).Inc()
}

// HTTP Metrics Functions.

// RecordHTTPRequest increments the request counter.
func RecordHTTPRequest(endpoint, method, status string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, status).Inc()
}

// RecordHTTPRequestDuration observes the request latency.
func RecordHTTPRequestDuration(endpoint, method, status string, latencyMs float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, status).Observe(latencyMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
