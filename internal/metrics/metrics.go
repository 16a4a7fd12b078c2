// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pulseline"

var (
	IntentsPlanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_planned_total",
		Help:      "Engagement intents inserted by the planner, by engagement type.",
	}, []string{"type"})

	ContentScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "content_scanned_total",
		Help:      "Content items processed by the scan trigger, by result.",
	}, []string{"result"})

	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_outcomes_total",
		Help:      "Terminal intent transitions made by the dispatcher, by status and type.",
	}, []string{"status", "type"})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "action_duration_seconds",
		Help:      "Latency of platform engagement actions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	QuotaResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_resets_total",
		Help:      "Daily quota resets that ran.",
	})

	ClaimsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_expired_total",
		Help:      "Claimed intents failed because their claim outlived the claim TTL.",
	})
)
