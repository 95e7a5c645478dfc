package router

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	sessions      prometheus.Gauge
	accepted      *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	relayed       *prometheus.CounterVec
	uploadedBytes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerwasm",
			Subsystem: "router",
			Name:      "sessions",
			Help:      "Number of open primary channels.",
		}),
		accepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerwasm",
				Subsystem: "router",
				Name:      "sessions_total",
				Help:      "Primary channels opened, by the status code they were sent.",
			},
			[]string{"status"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerwasm",
				Subsystem: "router",
				Name:      "uploads_total",
				Help:      "Module uploads, by outcome.",
			},
			[]string{"outcome"},
		),
		relayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerwasm",
				Subsystem: "router",
				Name:      "relayed_bytes_total",
				Help:      "Bytes relayed between peers and the module.",
			},
			[]string{"direction"},
		),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerwasm",
			Subsystem: "router",
			Name:      "uploaded_bytes_total",
			Help:      "Module bytes received on upload channels.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.accepted, m.uploads, m.relayed, m.uploadedBytes)
	}
	return m
}
