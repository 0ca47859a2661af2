package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and processing outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "subscription_transitions_total",
		Help:      "Applied subscription status transitions.",
	}, []string{"from", "to"})

	// EntitlementDecisionsTotal counts gate decisions. reason is empty for allows.
	EntitlementDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "entitlement_decisions_total",
		Help:      "Entitlement decisions by result and deny reason.",
	}, []string{"result", "reason"})

	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "subscriptions_by_status",
		Help:      "Number of subscriptions in each lifecycle status.",
	}, []string{"status"})

	ReconciliationOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "reconciliation_open_items",
		Help:      "Events waiting for manual reconciliation.",
	})

	EventsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "webhook_events_pruned_total",
		Help:      "Dedup records removed after the retention window.",
	})

	MarkerTiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapsheet",
		Subsystem: "billing",
		Name:      "marker_ties_total",
		Help:      "Distinct events sharing the stored marker whose changes were not applied.",
	})
)
