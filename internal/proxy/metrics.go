package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus instruments. Every server owns its
// own registry so multiple instances can run in one process without
// duplicate registration.
type Metrics struct {
	SessionsActive       prometheus.Gauge
	SessionsTotal        prometheus.Counter
	UpstreamDialFailures prometheus.Counter
	UpstreamFastFails    prometheus.Counter
	BytesRelayed         *prometheus.CounterVec
	FramesTraced         *prometheus.CounterVec
	ObserversConnected   prometheus.Gauge
	ObserversKicked      prometheus.Counter
}

// NewMetrics registers the proxy instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "xpproxy_sessions_active",
			Help: "Client sessions currently relayed to the upstream.",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "xpproxy_sessions_total",
			Help: "Client sessions accepted since start.",
		}),
		UpstreamDialFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "xpproxy_upstream_dial_failures_total",
			Help: "Accepted clients dropped because the upstream dial failed.",
		}),
		UpstreamFastFails: f.NewCounter(prometheus.CounterOpts{
			Name: "xpproxy_upstream_fast_fails_total",
			Help: "Accepted clients refused while the upstream circuit was open.",
		}),
		BytesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xpproxy_bytes_relayed_total",
			Help: "Relayed bytes by direction.",
		}, []string{"direction"}),
		FramesTraced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xpproxy_frames_traced_total",
			Help: "Complete frames traced by direction.",
		}, []string{"direction"}),
		ObserversConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "xpproxy_observers_connected",
			Help: "Websocket observers currently attached to the frame feed.",
		}),
		ObserversKicked: f.NewCounter(prometheus.CounterOpts{
			Name: "xpproxy_observers_kicked_total",
			Help: "Observers disconnected for falling behind the frame feed.",
		}),
	}
}
