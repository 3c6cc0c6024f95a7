// Package metrics defines the Prometheus instruments shared across the
// publisher, dispatch engine, and lifecycle controller (spec.md §4.6,
// §4.8, §4.4).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublisherDropsTotal counts envelopes dropped after the buffer high-
	// water mark was exceeded and the DLQ topic was also unreachable
	// (spec.md §4.6: "the publisher drops and increments a drop metric").
	PublisherDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omniintelligence_publisher_drops_total",
		Help: "Envelopes dropped by the publisher after DLQ fallback also failed.",
	}, []string{"topic"})

	// PublisherQueueDepth tracks the current depth of the publisher's
	// internal buffered channel.
	PublisherQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omniintelligence_publisher_queue_depth",
		Help: "Current number of envelopes buffered awaiting publish.",
	})

	// DLQTotal counts envelopes routed to a dead-letter topic, by original
	// topic and reason: the error kind's name (validation, domain, unknown)
	// from the dispatch engine, or publisher-overflow from the publisher.
	DLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omniintelligence_dlq_total",
		Help: "Envelopes routed to a dead-letter topic.",
	}, []string{"topic", "reason"})

	// DispatchLatencySeconds observes end-to-end handler invocation
	// latency, by topic.
	DispatchLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omniintelligence_dispatch_latency_seconds",
		Help:    "Handler invocation latency from fetch to commit/DLQ.",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})

	// LifecycleTransitionsTotal counts successful pattern lifecycle
	// transitions, by destination status.
	LifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omniintelligence_lifecycle_transitions_total",
		Help: "Pattern lifecycle transitions applied, by destination status.",
	}, []string{"to_status"})
)
