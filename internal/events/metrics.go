package events

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginus",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of emitted events by domain",
		},
		[]string{"domain"},
	)

	handlerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginus",
			Subsystem: "events",
			Name:      "handler_outcomes_total",
			Help:      "Handler invocations by outcome status",
		},
		[]string{"status"},
	)

	handlerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loginus",
			Subsystem: "events",
			Name:      "handler_duration_seconds",
			Help:      "Duration of individual handler invocations",
			Buckets:   prometheus.DefBuckets,
		},
	)

	subscriptionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loginus",
			Subsystem: "events",
			Name:      "subscriptions",
			Help:      "Registered subscriptions across all buses",
		},
	)

	sinkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loginus",
			Subsystem: "events",
			Name:      "sink_failures_total",
			Help:      "Audit sink write failures",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsEmitted, handlerOutcomes, handlerDuration, subscriptionsGauge, sinkFailures)
}
