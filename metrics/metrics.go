// Package metrics exposes the runtime's operability surface via
// Prometheus: commit latency, bus queue depth, submitter retries, and
// session lifecycle counts, labeled so one misbehaving game stands out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventCommitLatency observes how long EventLoop.processEvent takes
	// per committed event, labeled by game_addr so a slow handler for one
	// game doesn't hide in a global average.
	EventCommitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transactor",
		Subsystem: "eventloop",
		Name:      "commit_latency_seconds",
		Help:      "Time to evaluate and commit one event against a GameContext.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"game_addr"})

	// BusQueueDepth reports how many frames are queued for an attached
	// endpoint at the moment of measurement, the bus's backpressure
	// signal.
	BusQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transactor",
		Subsystem: "bus",
		Name:      "queue_depth",
		Help:      "Number of frames currently queued for a bus endpoint.",
	}, []string{"endpoint"})

	// SubmitterRetries counts retry attempts per game, so an operator can
	// see a chain integration degrading before the Submitter's backoff
	// ceiling is hit.
	SubmitterRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactor",
		Subsystem: "submitter",
		Name:      "retry_total",
		Help:      "Total SubmitSettle retry attempts.",
	}, []string{"game_addr"})

	// SubmitterResults counts terminal Submitter outcomes by result kind
	// ("ok", "transport_error", "integrity_error").
	SubmitterResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactor",
		Subsystem: "submitter",
		Name:      "results_total",
		Help:      "Terminal Submitter outcomes by kind.",
	}, []string{"game_addr", "kind"})

	// SynchronizerPollLatency observes Transport.GetState call duration
	// per game, surfacing a degrading chain RPC endpoint.
	SynchronizerPollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transactor",
		Subsystem: "synchronizer",
		Name:      "poll_latency_seconds",
		Help:      "Time to poll and diff one game's on-chain account.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"game_addr"})

	// ActiveSessions reports how many games the SessionManager currently
	// has running, by mode ("transactor"/"validator").
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transactor",
		Subsystem: "sessionmanager",
		Name:      "active_sessions",
		Help:      "Number of currently running game sessions.",
	}, []string{"mode"})

	// SessionRestarts counts SessionManager's crash-then-automatic-restart
	// events per game, so a game stuck in a restart loop is visible.
	SessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactor",
		Subsystem: "sessionmanager",
		Name:      "restarts_total",
		Help:      "Automatic session restarts after a crash.",
	}, []string{"game_addr"})
)

// Handler returns the http.Handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
