package oauthflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnihub_oauth_flows_started_total",
		Help: "OAuth flows initiated, by provider.",
	}, []string{"provider"})

	flowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnihub_oauth_flows_completed_total",
		Help: "OAuth flows that saved a connection, by provider.",
	}, []string{"provider"})

	exchangeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnihub_oauth_exchange_failures_total",
		Help: "Token exchange failures, by provider.",
	}, []string{"provider"})
)
