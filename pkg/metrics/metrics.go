package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks currently open client connections
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobs_connections_active",
			Help: "Number of currently open client connections",
		},
	)

	// ConnectionsTotal counts accepted client connections
	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blobs_connections_total",
			Help: "Total number of accepted client connections",
		},
	)

	// OperationsTotal counts protocol operations by name
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobs_operations_total",
			Help: "Total number of protocol operations",
		},
		[]string{"op"},
	)

	// WriteConflicts counts set operations rejected by the version check
	WriteConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blobs_write_conflicts_total",
			Help: "Total number of writes rejected by optimistic versioning",
		},
	)

	// ChangedEvents counts change notifications emitted to peers, including
	// ones dropped by a closed or saturated session queue
	ChangedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blobs_changed_events_total",
			Help: "Total number of changed events emitted to subscribers",
		},
	)

	// StorageRecoveries counts backup sidecars restored on the read path
	StorageRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blobs_storage_recoveries_total",
			Help: "Total number of records restored from backup sidecars",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		OperationsTotal,
		WriteConflicts,
		ChangedEvents,
		StorageRecoveries,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
