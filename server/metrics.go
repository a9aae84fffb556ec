package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connections    prometheus.Gauge
	rooms          prometheus.Gauge
	ops            *prometheus.CounterVec
	decodeFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "notek",
			Name:      "connections",
			Help:      "Number of open client connections.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "notek",
			Name:      "rooms",
			Help:      "Number of documents open for live editing.",
		}),
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notek",
			Name:      "ops_total",
			Help:      "Number of messages handled, by kind.",
		}, []string{"kind"}),
		decodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "notek",
			Name:      "decode_failures_total",
			Help:      "Number of inbound frames that failed to decode.",
		}),
	}
}
