// Package metrics provides Prometheus instrumentation for the CampusMeet
// real-time core: presence and pool gauges, match and message counters, and
// a histogram for message relay latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OnlineUsers tracks the number of identities with a live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campusmeet_online_users",
		Help: "Current number of identities with a live WebSocket connection",
	})

	// ConnectsTotal counts connection attempts, labeled by outcome:
	// "accepted", "rejected_auth", "rejected_limit".
	ConnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmeet_connects_total",
		Help: "Total connection attempts by outcome",
	}, []string{"outcome"})

	// PoolSize tracks the number of users waiting in each matching pool,
	// labeled by requested mode ("chat", "video", "both").
	PoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campusmeet_pool_size",
		Help: "Current number of users waiting in each matching pool",
	}, []string{"mode"})

	// MatchesTotal counts successful pairings, labeled by which pass found
	// the partner: "college" or "fallback".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmeet_matches_total",
		Help: "Total successful pairings by matching pass",
	}, []string{"pass"})

	// ActiveSessions tracks live ephemeral sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campusmeet_active_sessions",
		Help: "Current number of active paired sessions",
	})

	// MessagesRelayed counts relayed payloads, labeled by kind:
	// "ephemeral", "persistent", "signal".
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmeet_messages_relayed_total",
		Help: "Total relayed messages and signaling payloads by kind",
	}, []string{"kind"})

	// RelayLatency records the time spent forwarding one inbound message.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campusmeet_relay_latency_seconds",
		Help:    "Message relay handling latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// SavesTotal counts save-handshake outcomes: "requested", "accepted",
	// "declined", "failed".
	SavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmeet_saves_total",
		Help: "Total save-handshake outcomes",
	}, []string{"outcome"})

	// LogsArchived counts teardown transcripts handed to the archival
	// pipeline, labeled by result ("published", "failed").
	LogsArchived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmeet_chat_logs_archived_total",
		Help: "Total session transcripts handed to the archival pipeline",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		OnlineUsers,
		ConnectsTotal,
		PoolSize,
		MatchesTotal,
		ActiveSessions,
		MessagesRelayed,
		RelayLatency,
		SavesTotal,
		LogsArchived,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
