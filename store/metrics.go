package store

import "github.com/prometheus/client_golang/prometheus"

var (
	updatesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "store",
		Name:      "updates_appended_total",
		Help:      "Updates appended to document logs",
	})
	snapshotsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "store",
		Name:      "snapshots_written_total",
		Help:      "Snapshots written by compaction or flush",
	})
	compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "store",
		Name:      "compactions_total",
		Help:      "Update logs folded into a snapshot",
	})
	collabsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdb",
		Subsystem: "store",
		Name:      "collabs_fetched_total",
		Help:      "Documents missing locally that were fetched and stored",
	})
)

// Metrics lists the collectors of this package for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{updatesAppended, snapshotsWritten, compactions, collabsFetched}
}
