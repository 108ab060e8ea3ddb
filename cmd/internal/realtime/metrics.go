package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	Connections       prometheus.Gauge
	Handshakes        *prometheus.CounterVec
	Events            *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	MessagesPersisted prometheus.Counter
	BroadcastDropped  prometheus.Counter
	TokenExpired      prometheus.Counter
	StoreLatency      *prometheus.HistogramVec
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "talentchat",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently open websocket connections.",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talentchat",
			Subsystem: "ws",
			Name:      "handshakes_total",
			Help:      "Websocket handshakes by result.",
		}, []string{"result"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talentchat",
			Subsystem: "ws",
			Name:      "events_total",
			Help:      "Inbound events by type.",
		}, []string{"type"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talentchat",
			Subsystem: "ws",
			Name:      "errors_total",
			Help:      "Error envelopes sent by code.",
		}, []string{"code"}),
		MessagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "talentchat",
			Subsystem: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages persisted (duplicates excluded).",
		}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "talentchat",
			Subsystem: "ws",
			Name:      "broadcast_dropped_total",
			Help:      "Envelopes dropped because a member queue was full.",
		}),
		TokenExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "talentchat",
			Subsystem: "ws",
			Name:      "token_expired_total",
			Help:      "tokenExpired notifications pushed to clients.",
		}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "talentchat",
			Subsystem: "chat",
			Name:      "store_seconds",
			Help:      "Message store call latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *Metrics) observeStore(op string, start time.Time) {
	m.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
