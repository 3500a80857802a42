package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnihub_webhook_events_total",
		Help: "Verified webhook events dispatched, by provider and type.",
	}, []string{"provider", "event_type"})

	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnihub_webhook_rejected_total",
		Help: "Webhook deliveries rejected at signature verification.",
	}, []string{"provider"})

	eventsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnihub_webhook_suppressed_total",
		Help: "Verified events dropped by the tenant policy gate.",
	}, []string{"provider"})
)
