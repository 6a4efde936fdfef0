package emulator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the emulator's Prometheus instruments. Every server owns
// its own registry so multiple instances can run in one process without
// duplicate registration.
type Metrics struct {
	ClientsConnected prometheus.Gauge
	ClientsKicked    prometheus.Counter
	FramesReceived   *prometheus.CounterVec
	FramesInvalid    prometheus.Counter
	FramesWritten    prometheus.Counter
	RepliesTotal     prometheus.Counter
	StormFrames      prometheus.Counter
	BroadcastDrops   prometheus.Counter
}

// NewMetrics registers the emulator instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ClientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "xpserver_clients_connected",
			Help: "TCP clients currently attached to the emulated bus.",
		}),
		ClientsKicked: f.NewCounter(prometheus.CounterOpts{
			Name: "xpserver_clients_kicked_total",
			Help: "Clients disconnected for falling behind the broadcast queue.",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xpserver_frames_received_total",
			Help: "Inbound frames by function code.",
		}, []string{"function"}),
		FramesInvalid: f.NewCounter(prometheus.CounterOpts{
			Name: "xpserver_frames_invalid_total",
			Help: "Inbound frames with a bad checksum or malformed payload.",
		}),
		FramesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "xpserver_frames_written_total",
			Help: "Frames written to client sockets.",
		}),
		RepliesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "xpserver_replies_total",
			Help: "Reply telegrams produced by emulated modules.",
		}),
		StormFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "xpserver_storm_frames_total",
			Help: "Frames replicated by modules in storm mode.",
		}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "xpserver_broadcast_drops_total",
			Help: "Broadcast frames dropped on full client queues.",
		}),
	}
}
