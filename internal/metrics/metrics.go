// Package metrics provides Prometheus instrumentation for the premoderation
// pipeline: counters for message throughput and decisions, and a gauge for
// the number of records awaiting review.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesIngested counts messages accepted into premoderation.
	MessagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modbot_messages_ingested_total",
		Help: "Total number of group messages taken into premoderation",
	})

	// Decisions counts resolved records, labeled by decision:
	// "accept", "decline", or "expire".
	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbot_decisions_total",
		Help: "Total number of moderation decisions applied",
	}, []string{"decision"})

	// StaleDecisions counts late or duplicate decision events discarded.
	StaleDecisions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modbot_stale_decisions_total",
		Help: "Total number of decision events discarded as late or duplicate",
	})

	// DeliveryFailures counts per-moderator fan-out failures.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modbot_delivery_failures_total",
		Help: "Total number of failed forwarded-copy deliveries",
	})

	// RecordsInProcess tracks records currently awaiting a decision.
	RecordsInProcess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbot_records_in_process",
		Help: "Current number of records awaiting a moderator decision",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesIngested,
		Decisions,
		StaleDecisions,
		DeliveryFailures,
		RecordsInProcess,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
