package biz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "rate_limit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions by endpoint class and outcome.",
	}, []string{"class", "outcome"})

	rateLimitQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "rate_limit",
		Name:      "write_behind_dropped_total",
		Help:      "Increments dropped because the write-behind queue was full.",
	})

	securityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "security",
		Name:      "events_total",
		Help:      "Security events by type and severity.",
	}, []string{"type", "severity"})

	ipBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "security",
		Name:      "ip_blocks_total",
		Help:      "IP blocks by origin.",
	}, []string{"origin"})

	sessionValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "session",
		Name:      "validations_total",
		Help:      "Session validations by result.",
	}, []string{"result"})

	fallbackResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bulwark",
		Subsystem: "degradation",
		Name:      "results_total",
		Help:      "Protected reads by key and answer source.",
	}, []string{"key", "source"})
)
