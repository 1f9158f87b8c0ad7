// Package metrics provides Prometheus metrics for mcusync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport metrics
	exchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcusync_transport_exchanges_total",
			Help: "Total number of request/response exchanges with the device",
		},
		[]string{"result"},
	)

	exchangeRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcusync_transport_retries_total",
			Help: "Total number of exchanges retried after a timeout",
		},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcusync_transport_bytes_written_total",
			Help: "Total bytes written to the serial channel",
		},
	)

	// Sync metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcusync_sync_operations_total",
			Help: "Total number of sync operations executed against the device",
		},
		[]string{"op", "status"},
	)

	failedPaths = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcusync_sync_failed_paths",
			Help: "Number of paths currently in the Failed state",
		},
	)

	mirroredPaths = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcusync_sync_mirrored_paths",
			Help: "Number of paths tracked in the mirror state",
		},
	)
)

// RecordExchange records the outcome of one transport exchange attempt.
func RecordExchange(result string) {
	exchangesTotal.WithLabelValues(result).Inc()
}

// RecordRetry records that an exchange is being retried.
func RecordRetry() {
	exchangeRetriesTotal.Inc()
}

// RecordBytesWritten records bytes written to the device.
func RecordBytesWritten(n int) {
	bytesWritten.Add(float64(n))
}

// RecordOperation records the outcome of a sync operation.
func RecordOperation(op string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	operationsTotal.WithLabelValues(op, status).Inc()
}

// SetFailedPaths sets the number of paths in the Failed state.
func SetFailedPaths(n int) {
	failedPaths.Set(float64(n))
}

// SetMirroredPaths sets the number of paths tracked in the mirror state.
func SetMirroredPaths(n int) {
	mirroredPaths.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
