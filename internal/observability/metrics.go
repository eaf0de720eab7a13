// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	votesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_voteboard",
		Subsystem: "votes",
		Name:      "cast_total",
		Help:      "Total vote increments dispatched to the tally store",
	}, []string{"field"})

	voteWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "token_voteboard",
		Subsystem: "votes",
		Name:      "write_errors_total",
		Help:      "Total vote increments rejected by the tally store",
	})

	catalogFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "token_voteboard",
		Subsystem: "catalog",
		Name:      "fetches_total",
		Help:      "Total catalog fetch attempts by outcome",
	}, []string{"status"})

	snapshotsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "token_voteboard",
		Subsystem: "tally",
		Name:      "snapshots_delivered_total",
		Help:      "Total tally snapshots delivered to subscribers",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "token_voteboard",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Currently active merge sessions",
	})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "token_voteboard",
		Subsystem: "server",
		Name:      "ws_clients",
		Help:      "Currently connected websocket clients",
	})
)

// RecordVote increments the vote counter for the given field.
func RecordVote(field string) {
	votesCast.WithLabelValues(field).Inc()
}

// RecordVoteError increments the rejected-vote counter.
func RecordVoteError() {
	voteWriteErrors.Inc()
}

// RecordCatalogFetch records a catalog fetch outcome ("success" or "failure").
func RecordCatalogFetch(status string) {
	catalogFetches.WithLabelValues(status).Inc()
}

// RecordSnapshotDelivered increments the delivered-snapshot counter.
func RecordSnapshotDelivered() {
	snapshotsDelivered.Inc()
}

// SessionStarted increments the active session gauge.
func SessionStarted() {
	activeSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func SessionEnded() {
	activeSessions.Dec()
}

// WSClientConnected increments the websocket client gauge.
func WSClientConnected() {
	wsClients.Inc()
}

// WSClientDisconnected decrements the websocket client gauge.
func WSClientDisconnected() {
	wsClients.Dec()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
