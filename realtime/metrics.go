package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "realtime",
		Name:      "messages_received_total",
		Help:      "Per-object messages taken in by the hub",
	}, []string{"kind"})
	acksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "realtime",
		Name:      "acks_sent_total",
		Help:      "Acks issued by the hub by result code",
	}, []string{"code"})
	seqGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "realtime",
		Name:      "seq_gaps_total",
		Help:      "Broadcast sequence gaps seen by sessions",
	})
	resyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "realtime",
		Name:      "resyncs_total",
		Help:      "Init syncs repeated by sessions",
	})
	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "realtime",
		Name:      "rate_limited_total",
		Help:      "Envelopes dropped by the hub rate limit",
	})
	connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabdb",
		Subsystem: "realtime",
		Name:      "connections",
		Help:      "Connections attached to the hub",
	})
)

func Metrics() []prometheus.Collector {
	return []prometheus.Collector{messagesReceived, acksSent, seqGaps, resyncs, rateLimited, connections}
}
