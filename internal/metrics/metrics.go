// Package metrics exposes Prometheus instrumentation for the daemon.
//
// Metrics are registered with the default registry at init and served by
// Handler on the address configured as daemon.metrics_addr.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vburojevic/traced/internal/domain"
)

var (
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "traced_sessions_active",
			Help: "Tracing sessions currently held by the registry",
		},
		[]string{"kind"}, // "live", "cloned"
	)

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traced_sessions_created_total",
			Help: "Tracing sessions created",
		},
		[]string{"kind"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traced_session_transitions_total",
			Help: "Session state transitions by target state",
		},
		[]string{"state"},
	)

	FlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traced_flush_total",
			Help: "Flush rounds by outcome",
		},
		[]string{"result"}, // "ok", "timeout", "canceled", "empty"
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "traced_flush_duration_seconds",
			Help:    "Time from flush request to outcome",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
	)

	FlushLateAcks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "traced_flush_late_acks_total",
			Help: "Producer flush acknowledgements that arrived after their round completed",
		},
	)

	CloneTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traced_clone_total",
			Help: "CloneSession requests by outcome code",
		},
		[]string{"result"},
	)

	ReadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "traced_read_bytes_total",
			Help: "Trace payload bytes streamed to consumers",
		},
	)

	ReadChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "traced_read_chunks_total",
			Help: "ReadBuffers chunks streamed to consumers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traced_events_published_total",
			Help: "Observable events published",
		},
		[]string{"type"},
	)

	ConsumerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "traced_consumer_connections",
			Help: "Connected consumers",
		},
	)

	ProducerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "traced_producer_connections",
			Help: "Connected producers",
		},
	)

	RPCErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traced_rpc_errors_total",
			Help: "Consumer RPCs rejected, by method and error code",
		},
		[]string{"method", "code"},
	)
)

// RecordFlush records the outcome of one flush round.
func RecordFlush(result string, d time.Duration) {
	FlushTotal.WithLabelValues(result).Inc()
	FlushDuration.Observe(d.Seconds())
}

// RecordClone records a CloneSession outcome.
func RecordClone(err error) {
	result := "ok"
	if err != nil {
		result = string(domain.CodeOf(err))
	}
	CloneTotal.WithLabelValues(result).Inc()
}

// RecordRPCError counts a rejected consumer RPC.
func RecordRPCError(method string, err error) {
	if err == nil {
		return
	}
	RPCErrors.WithLabelValues(method, string(domain.CodeOf(err))).Inc()
}

// RecordChunk counts one streamed ReadBuffers chunk.
func RecordChunk(c domain.Chunk) {
	ReadChunks.Inc()
	ReadBytes.Add(float64(c.Size()))
}

// sessionKind maps the cloned flag to the "kind" label.
func sessionKind(cloned bool) string {
	if cloned {
		return "cloned"
	}
	return "live"
}

// SessionCreated updates the gauges and counters for a new session.
func SessionCreated(cloned bool) {
	kind := sessionKind(cloned)
	SessionsCreated.WithLabelValues(kind).Inc()
	SessionsActive.WithLabelValues(kind).Inc()
}

// SessionDestroyed updates the gauges for a removed session.
func SessionDestroyed(cloned bool) {
	SessionsActive.WithLabelValues(sessionKind(cloned)).Dec()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
