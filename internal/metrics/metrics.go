// Package metrics provides Prometheus metrics for ldrop transfers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldrop_sessions_total",
			Help: "Transfer sessions by role and terminal state",
		},
		[]string{"role", "outcome"},
	)

	sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ldrop_sessions_active",
			Help: "Transfer sessions not yet in a terminal state",
		},
		[]string{"role"},
	)

	// Content transfer metrics
	bytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ldrop_bytes_sent_total",
			Help: "File content bytes written to peers",
		},
	)

	quantaSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ldrop_quanta_sent_total",
			Help: "File content quanta written to peers",
		},
	)

	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ldrop_bytes_received_total",
			Help: "File content bytes stored from peers",
		},
	)

	// Manifest metrics
	manifestWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldrop_manifest_warnings_total",
			Help: "Warnings raised while adding paths to a manifest",
		},
		[]string{"reason"},
	)

	// Discovery metrics
	peersVisible = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ldrop_discovery_peers",
			Help: "Peers seen within the expiry window",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionStarted marks a session of the given role as active.
func SessionStarted(role string) {
	sessionsActive.WithLabelValues(role).Inc()
}

// SessionFinished records the terminal state of a session.
func SessionFinished(role, outcome string) {
	sessionsActive.WithLabelValues(role).Dec()
	sessionsTotal.WithLabelValues(role, outcome).Inc()
}

// RecordQuantumSent records one content quantum written to the transport.
func RecordQuantumSent(bytes int) {
	quantaSent.Inc()
	bytesSent.Add(float64(bytes))
}

// RecordBytesReceived records content bytes stored by a receiver.
func RecordBytesReceived(bytes int) {
	bytesReceived.Add(float64(bytes))
}

// RecordManifestWarning records a non-fatal manifest warning.
func RecordManifestWarning(reason string) {
	manifestWarnings.WithLabelValues(reason).Inc()
}

// SetPeersVisible sets the number of live discovered peers.
func SetPeersVisible(n int) {
	peersVisible.Set(float64(n))
}
