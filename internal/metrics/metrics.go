// Package metrics registers the prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NegotiationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milepost_negotiation_actions_total",
			Help: "Negotiation actions applied, by action and resulting status",
		},
		[]string{"action", "status"},
	)

	ContractsMaterialized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milepost_contracts_materialized_total",
			Help: "Contract materializer runs, by outcome (created, existing, synced)",
		},
		[]string{"outcome"},
	)

	MilestoneActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milepost_milestone_actions_total",
			Help: "Milestone submissions and decisions",
		},
		[]string{"action"},
	)

	OptimisticConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milepost_optimistic_conflicts_total",
			Help: "Optimistic-concurrency collisions, by operation and whether they were retried",
		},
		[]string{"operation", "outcome"},
	)

	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milepost_outbox_dispatched_total",
			Help: "Outbox events processed, by routing key and result",
		},
		[]string{"routing_key", "result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "milepost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func RecordNegotiation(action, status string) {
	NegotiationActions.WithLabelValues(action, status).Inc()
}

func RecordContract(outcome string) {
	ContractsMaterialized.WithLabelValues(outcome).Inc()
}

func RecordMilestone(action string) {
	MilestoneActions.WithLabelValues(action).Inc()
}

func RecordConflict(operation, outcome string) {
	OptimisticConflicts.WithLabelValues(operation, outcome).Inc()
}

func RecordDispatch(routingKey, result string) {
	OutboxDispatched.WithLabelValues(routingKey, result).Inc()
}

func RecordHTTPRequest(method, path, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}
