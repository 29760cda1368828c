package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core gateway metric set shared across components.
// Per-component instruments (connector read latency, journal sizes) are
// registered separately through MetricsRegistry.
type Metrics struct {
	// Protocol path
	MessagesReceived  *prometheus.CounterVec // by kind
	MessagesProcessed *prometheus.CounterVec // by kind, status
	MessagesPublished *prometheus.CounterVec // by kind
	MetricsDropped    *prometheus.CounterVec // by reason
	SequenceGaps      *prometheus.CounterVec // by node
	AliasMisses       prometheus.Counter

	// Store-and-forward queue
	QueueDepth   prometheus.Gauge
	QueueDrops   prometheus.Counter
	QueueReplays prometheus.Counter

	// Backpressure controller
	BackpressureEngaged     prometheus.Gauge
	BackpressureTransitions *prometheus.CounterVec // by direction

	// Broker session
	SessionState      prometheus.Gauge
	SessionReconnects prometheus.Counter

	// Stream processing
	WindowsEmitted    *prometheus.CounterVec // by machine
	CalculationErrors prometheus.Counter

	FaultsActive       prometheus.Gauge
	FaultsCreated      prometheus.Counter
	FaultsDeduplicated prometheus.Counter
	FaultsResolved     prometheus.Counter

	SinkWriteFailures *prometheus.CounterVec   // by sink
	StageDuration     *prometheus.HistogramVec // by stage
}

// NewMetrics creates the core gateway metric set. Instruments are created
// unregistered; MetricsRegistry owns registration.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "messages_received_total",
				Help:      "Inbound protocol messages by kind",
			},
			[]string{"kind"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "messages_processed_total",
				Help:      "Inbound protocol messages by kind and outcome",
			},
			[]string{"kind", "status"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "messages_published_total",
				Help:      "Outbound protocol messages by kind",
			},
			[]string{"kind"},
		),

		MetricsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "metrics_dropped_total",
				Help:      "Metrics dropped during decode or normalization, by reason",
			},
			[]string{"reason"},
		),

		SequenceGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "sequence_gaps_total",
				Help:      "Sequence violations detected, by node",
			},
			[]string{"node"},
		),

		AliasMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "alias_misses_total",
				Help:      "Data metrics referencing an alias with no birth declaration",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Messages currently held by the store-and-forward queue",
			},
		),

		QueueDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "drops_total",
				Help:      "Oldest-entry evictions caused by a full queue",
			},
		),

		QueueReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "replays_total",
				Help:      "Messages replayed to the broker after reconnect",
			},
		),

		BackpressureEngaged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backpressure",
				Name:      "engaged",
				Help:      "Backpressure state (0=clear, 1=engaged)",
			},
		),

		BackpressureTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backpressure",
				Name:      "transitions_total",
				Help:      "Backpressure state transitions by direction",
			},
			[]string{"direction"},
		),

		SessionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "Session state (0=disconnected, 1=connecting, 2=connected, 3=error)",
			},
		),

		SessionReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts made by the session manager",
			},
		),

		WindowsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oee",
				Name:      "windows_emitted_total",
				Help:      "Closed OEE windows by machine",
			},
			[]string{"machine"},
		),

		CalculationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oee",
				Name:      "calculation_errors_total",
				Help:      "OEE calculations rejected for non-finite or negative inputs",
			},
		),

		FaultsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fault",
				Name:      "active",
				Help:      "Faults currently in ACTIVE or ACKNOWLEDGED state",
			},
		),

		FaultsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fault",
				Name:      "created_total",
				Help:      "New faults opened",
			},
		),

		FaultsDeduplicated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fault",
				Name:      "deduplicated_total",
				Help:      "Fault events merged into an existing occurrence",
			},
		),

		FaultsResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fault",
				Name:      "resolved_total",
				Help:      "Faults resolved",
			},
		),

		SinkWriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "write_failures_total",
				Help:      "Failed sink writes by sink name",
			},
			[]string{"sink"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Processing duration per pipeline stage",
				Buckets:   []float64{0.000_05, 0.000_1, 0.000_25, 0.000_5, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"stage"},
		),
	}
}

// RecordMessageReceived increments the inbound message counter.
func (m *Metrics) RecordMessageReceived(kind string) {
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordMessageProcessed increments the processed counter with an outcome
// status ("ok", "dropped", "error").
func (m *Metrics) RecordMessageProcessed(kind, status string) {
	m.MessagesProcessed.WithLabelValues(kind, status).Inc()
}

// RecordMessagePublished increments the outbound message counter.
func (m *Metrics) RecordMessagePublished(kind string) {
	m.MessagesPublished.WithLabelValues(kind).Inc()
}

// RecordMetricDropped increments the drop counter for a reason code.
func (m *Metrics) RecordMetricDropped(reason string) {
	m.MetricsDropped.WithLabelValues(reason).Inc()
}

// RecordSequenceGap increments the gap counter for a node.
func (m *Metrics) RecordSequenceGap(node string) {
	m.SequenceGaps.WithLabelValues(node).Inc()
}

// RecordAliasMiss increments the unresolved-alias counter.
func (m *Metrics) RecordAliasMiss() {
	m.AliasMisses.Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordQueueDrop increments the queue eviction counter.
func (m *Metrics) RecordQueueDrop() {
	m.QueueDrops.Inc()
}

// RecordQueueReplay increments the replay counter.
func (m *Metrics) RecordQueueReplay() {
	m.QueueReplays.Inc()
}

// SetBackpressure updates the engaged gauge.
func (m *Metrics) SetBackpressure(engaged bool) {
	v := 0.0
	if engaged {
		v = 1.0
	}
	m.BackpressureEngaged.Set(v)
}

// RecordBackpressureTransition counts a transition ("engage" or "clear").
func (m *Metrics) RecordBackpressureTransition(direction string) {
	m.BackpressureTransitions.WithLabelValues(direction).Inc()
}

// SetSessionState updates the session state gauge.
func (m *Metrics) SetSessionState(state int) {
	m.SessionState.Set(float64(state))
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect() {
	m.SessionReconnects.Inc()
}

// RecordWindowEmitted counts a closed OEE window.
func (m *Metrics) RecordWindowEmitted(machine string) {
	m.WindowsEmitted.WithLabelValues(machine).Inc()
}

// RecordCalculationError counts a rejected OEE calculation.
func (m *Metrics) RecordCalculationError() {
	m.CalculationErrors.Inc()
}

// SetFaultsActive updates the active fault gauge.
func (m *Metrics) SetFaultsActive(n int) {
	m.FaultsActive.Set(float64(n))
}

// RecordFaultCreated counts a newly opened fault.
func (m *Metrics) RecordFaultCreated() {
	m.FaultsCreated.Inc()
}

// RecordFaultDeduplicated counts a merged fault event.
func (m *Metrics) RecordFaultDeduplicated() {
	m.FaultsDeduplicated.Inc()
}

// RecordFaultResolved counts a resolved fault.
func (m *Metrics) RecordFaultResolved() {
	m.FaultsResolved.Inc()
}

// RecordSinkFailure counts a failed sink write.
func (m *Metrics) RecordSinkFailure(sink string) {
	m.SinkWriteFailures.WithLabelValues(sink).Inc()
}

// ObserveStage records processing time for a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
