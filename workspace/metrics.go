package workspace

import "github.com/prometheus/client_golang/prometheus"

var (
	handlesConstructed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "workspace",
		Name:      "handles_constructed_total",
		Help:      "Database handles opened from storage or created",
	})
	openHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabdb",
		Subsystem: "workspace",
		Name:      "open_handles",
		Help:      "Database handles held in the cache",
	})
	databaseOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "workspace",
		Name:      "database_ops_total",
		Help:      "Index changes by kind",
	}, []string{"op"})
)

func Metrics() []prometheus.Collector {
	return []prometheus.Collector{handlesConstructed, openHandles, databaseOps}
}
