package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connections   prometheus.Gauge
	requests      *prometheus.CounterVec
	notifications prometheus.Counter
	dropped       *prometheus.CounterVec
}

// newMetrics registers with reg. A nil reg still yields working
// collectors that nobody scrapes.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "nettable_connections",
			Help: "Client endpoints currently allocated.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nettable_requests_total",
			Help: "Requests dispatched, by verb.",
		}, []string{"verb"}),
		notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "nettable_notifications_total",
			Help: "Subscription notifications queued to clients.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nettable_dropped_total",
			Help: "Frames dropped, by reason.",
		}, []string{"reason"}),
	}
}
