// Package metrics exposes server counters on the standard prometheus
// registry, served by the HTTP router under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Sessions  prometheus.Gauge
	Rooms     prometheus.Gauge
	Producers prometheus.Counter
	Consumers prometheus.Counter
	Errors    prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Sessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "confa",
			Name:      "sessions_active",
			Help:      "Number of live user sessions.",
		}),
		Rooms: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "confa",
			Name:      "rooms_active",
			Help:      "Number of live rooms.",
		}),
		Producers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "confa",
			Name:      "producers_created_total",
			Help:      "Producers created since start.",
		}),
		Consumers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "confa",
			Name:      "consumers_created_total",
			Help:      "Consumers created since start.",
		}),
		Errors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "confa",
			Name:      "protocol_errors_total",
			Help:      "Error messages sent to clients.",
		}),
	}
}
