package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	HTTPRequestSize   *prometheus.HistogramVec
	HTTPResponseSize  *prometheus.HistogramVec

	// Rule Engine Metrics
	EmailsProcessedTotal *prometheus.CounterVec
	EmailProcessDuration *prometheus.HistogramVec
	RuleEvaluationsTotal *prometheus.CounterVec
	RuleErrorsTotal      *prometheus.CounterVec
	ActionsTotal         *prometheus.CounterVec
	SyncBatchesTotal     *prometheus.CounterVec
	SyncEmailsTotal      *prometheus.CounterVec

	// Cache Metrics
	CategoryCacheTotal *prometheus.CounterVec

	// Worker Metrics
	WorkerJobsProcessed *prometheus.CounterVec
	WorkerJobDuration   *prometheus.HistogramVec
	WorkerErrors        *prometheus.CounterVec

	// Authentication Metrics
	AuthFailuresTotal *prometheus.CounterVec
}

// New creates all Prometheus metrics and registers them with reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		// HTTP Metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path", "status"},
		),

		// Rule Engine Metrics
		EmailsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emails_processed_total",
				Help: "Total number of emails run through the rule engine",
			},
			[]string{"status"}, // processed, skipped, failed
		),
		EmailProcessDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "email_process_duration_seconds",
				Help:    "Email processing duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"status"},
		),
		RuleEvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rule_evaluations_total",
				Help: "Total number of rule evaluations",
			},
			[]string{"rule_id", "matched"},
		),
		RuleErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rule_errors_total",
				Help: "Total number of rules skipped because of an error",
			},
			[]string{"rule_id", "error_kind"},
		),
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rule_actions_total",
				Help: "Total number of executed rule actions",
			},
			[]string{"action_type", "status"},
		),
		SyncBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_batches_total",
				Help: "Total number of mailbox sync batches",
			},
			[]string{"status"},
		),
		SyncEmailsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_emails_total",
				Help: "Total number of emails handled by sync batches",
			},
			[]string{"status"},
		),

		// Cache Metrics
		CategoryCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "category_mapping_cache_total",
				Help: "Category mapping cache lookups",
			},
			[]string{"result"}, // hit, miss, error
		),

		// Worker Metrics
		WorkerJobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_jobs_processed_total",
				Help: "Total number of jobs processed by workers",
			},
			[]string{"worker_type", "status"},
		),
		WorkerJobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_job_duration_seconds",
				Help:    "Worker job processing duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~102s
			},
			[]string{"worker_type"},
		),
		WorkerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_errors_total",
				Help: "Total number of worker errors",
			},
			[]string{"worker_type"},
		),

		// Authentication Metrics
		AuthFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_failures_total",
				Help: "Total number of authentication failures",
			},
			[]string{"reason"},
		),
	}

	return m
}

// NewForTesting creates metrics on a private registry
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}

// The helpers below are safe to call on a nil *Metrics.

// RecordAction counts one executed action
func (m *Metrics) RecordAction(actionType string, success bool) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(actionType, outcome(success)).Inc()
}

// RecordRuleEvaluation counts one rule evaluation
func (m *Metrics) RecordRuleEvaluation(ruleID string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.RuleEvaluationsTotal.WithLabelValues(ruleID, label).Inc()
}

// RecordRuleError counts a rule skipped because of an error
func (m *Metrics) RecordRuleError(ruleID, errorKind string) {
	if m == nil {
		return
	}
	m.RuleErrorsTotal.WithLabelValues(ruleID, errorKind).Inc()
}

// RecordEmailProcessed counts a processed email and its duration
func (m *Metrics) RecordEmailProcessed(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EmailsProcessedTotal.WithLabelValues(status).Inc()
	m.EmailProcessDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSyncBatch counts a sync batch and the emails it handled
func (m *Metrics) RecordSyncBatch(status string, synced, failed int) {
	if m == nil {
		return
	}
	m.SyncBatchesTotal.WithLabelValues(status).Inc()
	m.SyncEmailsTotal.WithLabelValues("synced").Add(float64(synced))
	m.SyncEmailsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordCacheLookup counts a category cache lookup
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CategoryCacheTotal.WithLabelValues(result).Inc()
}

// RecordWorkerJob counts a worker run
func (m *Metrics) RecordWorkerJob(workerType string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkerJobsProcessed.WithLabelValues(workerType, outcome(success)).Inc()
	m.WorkerJobDuration.WithLabelValues(workerType).Observe(duration.Seconds())
	if !success {
		m.WorkerErrors.WithLabelValues(workerType).Inc()
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
