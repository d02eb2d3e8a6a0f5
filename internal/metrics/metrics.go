// Package metrics provides Prometheus metrics for tree builds and transfers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vhd_transfers_total",
			Help: "Transfer jobs that reached a terminal state",
		},
		[]string{"direction", "state"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vhd_transfer_bytes_total",
			Help: "Bytes moved by completed transfers",
		},
		[]string{"direction"},
	)

	listingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vhd_listings_total",
			Help: "Folder listings requested from a store",
		},
		[]string{"status"},
	)

	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vhd_queue_length",
			Help: "Jobs waiting in a transfer queue, not counting the active one",
		},
		[]string{"direction"},
	)
)

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransfer counts a job that finished in state.
func RecordTransfer(direction, state string, bytes int64) {
	transfersTotal.WithLabelValues(direction, state).Inc()
	if bytes > 0 {
		transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordListing counts a folder listing.
func RecordListing(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	listingsTotal.WithLabelValues(status).Inc()
}

// SetQueueLength publishes the number of queued jobs for direction.
func SetQueueLength(direction string, n int) {
	queueLength.WithLabelValues(direction).Set(float64(n))
}
