// Package metrics holds the Prometheus collectors for AI admission and usage
// accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Admission outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

// Ledger write failure reasons.
const (
	ReasonQueueFull   = "queue_full"
	ReasonWriteFailed = "write_failed"
	ReasonClosed      = "closed"
)

var (
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_ai_admission_decisions_total",
			Help: "AI admission decisions by outcome and cause",
		},
		[]string{"outcome", "cause"},
	)
	AdmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskhive_ai_admission_duration_milliseconds",
			Help:    "Time spent deciding AI admission",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 3000},
		},
	)
	UsageEventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_ai_usage_events_total",
			Help: "AI usage events appended to the ledger",
		},
		[]string{"endpoint", "status"},
	)
	UsageWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_ai_usage_write_failures_total",
			Help: "AI usage events that could not be appended",
		},
		[]string{"reason"},
	)
	UsageQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhive_ai_usage_queue_depth",
			Help: "AI usage events waiting to be written",
		},
	)
	SettingsLoadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhive_ai_settings_load_failures_total",
			Help: "AI settings reloads that fell back to a cached or default value",
		},
	)
	RetentionDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhive_ai_usage_retention_deleted_total",
			Help: "Expired AI usage rows deleted by the retention cleaner",
		},
	)
)

func init() {
	prometheus.MustRegister(AdmissionDecisions)
	prometheus.MustRegister(AdmissionDuration)
	prometheus.MustRegister(UsageEventsRecorded)
	prometheus.MustRegister(UsageWriteFailures)
	prometheus.MustRegister(UsageQueueDepth)
	prometheus.MustRegister(SettingsLoadFailures)
	prometheus.MustRegister(RetentionDeleted)
}
