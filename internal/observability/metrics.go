package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a master or worker process.
type Metrics struct {
	// Round metrics
	RoundsStartedTotal   prometheus.Counter
	RoundsCompletedTotal *prometheus.CounterVec
	RoundsActive         prometheus.Gauge
	RoundDuration        prometheus.Histogram
	CurrentRound         prometheus.Gauge

	// Message metrics
	ScattersSentTotal     prometheus.Counter
	ScattersReceivedTotal prometheus.Counter
	ReducesSentTotal      prometheus.Counter
	ReducesReceivedTotal  prometheus.Counter
	DuplicateStoresTotal  prometheus.Counter
	OutdatedDroppedTotal  *prometheus.CounterVec
	FutureDeferredTotal   *prometheus.CounterVec

	// Buffer metrics
	BufferOccupancy    *prometheus.GaugeVec
	QuorumReachedTotal *prometheus.CounterVec
	CatchUpForcedTotal prometheus.Counter

	// Master metrics
	WorkersRegisteredTotal prometheus.Gauge
	MasterRoundGauge       prometheus.Gauge

	// Transport metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram

	registry *prometheus.Registry
	activeRounds int64
}

// NewMetrics creates and registers all Prometheus metrics against a
// fresh, private registry — each master or worker process (and each
// worker under test) gets its own, so running several in one process
// never collides on collector registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,

		RoundsStartedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allreduce_rounds_started_total",
				Help: "Total StartAllreduce messages processed",
			},
		),

		RoundsCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allreduce_rounds_completed_total",
				Help: "Total rounds completed, by completion path",
			},
			[]string{"path"}, // "quorum" or "catch_up"
		),

		RoundsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "allreduce_rounds_active",
				Help: "Rounds currently in flight (round..maxScattered window)",
			},
		),

		RoundDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "allreduce_round_duration_seconds",
				Help:    "Time from StartAllreduce to CompleteAllreduce for a round",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),

		CurrentRound: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "allreduce_worker_round",
				Help: "Worker's oldest not-yet-completed round",
			},
		),

		ScattersSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allreduce_scatters_sent_total",
				Help: "Total ScatterBlock messages sent",
			},
		),

		ScattersReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allreduce_scatters_received_total",
				Help: "Total ScatterBlock messages received",
			},
		),

		ReducesSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allreduce_reduces_sent_total",
				Help: "Total ReduceBlock messages sent",
			},
		),

		ReducesReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allreduce_reduces_received_total",
				Help: "Total ReduceBlock messages received",
			},
		),

		DuplicateStoresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allreduce_duplicate_stores_total",
				Help: "Buffer stores that re-delivered an already-seen (row,src,chunk)",
			},
		),

		OutdatedDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allreduce_outdated_dropped_total",
				Help: "Messages dropped as outdated",
			},
			[]string{"message_type"},
		),

		FutureDeferredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allreduce_future_deferred_total",
				Help: "Messages deferred as arriving ahead of maxRound",
			},
			[]string{"message_type"},
		),

		BufferOccupancy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "allreduce_buffer_occupancy_rows",
				Help: "Rows currently holding at least one stored chunk",
			},
			[]string{"buffer"}, // "scatter" or "reduce"
		),

		QuorumReachedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allreduce_quorum_reached_total",
				Help: "Times a quorum predicate was satisfied",
			},
			[]string{"predicate"}, // "reduce_chunk", "reduce_chunk_catch_up" or "complete_round"
		),

		CatchUpForcedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allreduce_catch_up_forced_total",
				Help: "Rounds force-completed by the catch-up loop before eviction",
			},
		),

		WorkersRegisteredTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "allreduce_master_workers_registered",
				Help: "Workers currently registered with the master",
			},
		),

		MasterRoundGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "allreduce_master_round",
				Help: "Master's current global round",
			},
		),

		QUICConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allreduce_quic_connections_total",
				Help: "QUIC connection attempts by the transport adapter",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "allreduce_quic_connections_active",
				Help: "Active QUIC connections held open by the transport adapter",
			},
		),

		QUICConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "allreduce_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
	}

	return m
}

// RecordRoundStart increments the active-round gauge.
func (m *Metrics) RecordRoundStart() {
	atomic.AddInt64(&m.activeRounds, 1)
	m.RoundsActive.Set(float64(atomic.LoadInt64(&m.activeRounds)))
	m.RoundsStartedTotal.Inc()
}

// RecordRoundComplete records round completion, by path ("quorum" or "catch_up").
func (m *Metrics) RecordRoundComplete(path string, durationSeconds float64) {
	atomic.AddInt64(&m.activeRounds, -1)
	m.RoundsActive.Set(float64(atomic.LoadInt64(&m.activeRounds)))
	m.RoundsCompletedTotal.WithLabelValues(path).Inc()
	m.RoundDuration.Observe(durationSeconds)
	if path == "catch_up" {
		m.CatchUpForcedTotal.Inc()
	}
}

// RecordScatterSent increments the scatter-sent counter.
func (m *Metrics) RecordScatterSent() { m.ScattersSentTotal.Inc() }

// RecordScatterReceived increments the scatter-received counter.
func (m *Metrics) RecordScatterReceived() { m.ScattersReceivedTotal.Inc() }

// RecordReduceSent increments the reduce-sent counter.
func (m *Metrics) RecordReduceSent() { m.ReducesSentTotal.Inc() }

// RecordReduceReceived increments the reduce-received counter.
func (m *Metrics) RecordReduceReceived() { m.ReducesReceivedTotal.Inc() }

// RecordDuplicateStore increments the duplicate-store counter.
func (m *Metrics) RecordDuplicateStore() { m.DuplicateStoresTotal.Inc() }

// RecordOutdatedDropped increments the outdated-dropped counter for a message type.
func (m *Metrics) RecordOutdatedDropped(messageType string) {
	m.OutdatedDroppedTotal.WithLabelValues(messageType).Inc()
}

// RecordFutureDeferred increments the future-deferred counter for a message type.
func (m *Metrics) RecordFutureDeferred(messageType string) {
	m.FutureDeferredTotal.WithLabelValues(messageType).Inc()
}

// SetBufferOccupancy sets the occupied-row gauge for a named buffer.
func (m *Metrics) SetBufferOccupancy(buffer string, rows int) {
	m.BufferOccupancy.WithLabelValues(buffer).Set(float64(rows))
}

// RecordQuorumReached increments the quorum-reached counter for a predicate.
func (m *Metrics) RecordQuorumReached(predicate string) {
	m.QuorumReachedTotal.WithLabelValues(predicate).Inc()
}

// SetWorkersRegistered sets the master's registered-worker gauge.
func (m *Metrics) SetWorkersRegistered(n int) {
	m.WorkersRegisteredTotal.Set(float64(n))
}

// SetMasterRound sets the master's current-round gauge.
func (m *Metrics) SetMasterRound(round int) {
	m.MasterRoundGauge.Set(float64(round))
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(durationSeconds float64) {
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(durationSeconds)
}

// Handler exposes this instance's private-registry metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
