package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExceptionsCaptured tracks captured exceptions per interface and severity
	ExceptionsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_exceptions_captured_total",
			Help: "Total number of exceptions captured",
		},
		[]string{"interface_type", "severity"},
	)

	// ExceptionsUpdated tracks duplicate captures that updated an existing record
	ExceptionsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_exceptions_updated_total",
			Help: "Total number of duplicate captures applied as updates",
		},
		[]string{"interface_type"},
	)

	// RetryAttempts tracks completed retry attempts per interface and outcome
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_retry_attempts_total",
			Help: "Total number of completed retry attempts",
		},
		[]string{"interface_type", "outcome"},
	)

	// RetryDuration tracks retry execution latency
	RetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_retry_duration_seconds",
			Help:    "Retry execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"interface_type", "outcome"},
	)

	// EventsPublished tracks outbound milestone events
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_events_published_total",
			Help: "Total number of outbound milestone events published",
		},
		[]string{"event_type", "result"},
	)

	// EventsConsumed tracks inbound failure events per stream and result
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_events_consumed_total",
			Help: "Total number of inbound failure events consumed",
		},
		[]string{"stream", "result"},
	)

	// DBConnectionPoolUsage tracks database pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
