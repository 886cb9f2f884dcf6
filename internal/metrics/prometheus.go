package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the identification engine
type Metrics struct {
	// Capture metrics
	PacketsSeen      prometheus.Counter
	PacketsDelivered prometheus.Counter
	DecodeErrors     prometheus.Counter

	// Flow metrics
	ActiveFlows  prometheus.Gauge
	FlowsCreated prometheus.Counter
	FlowsExpired prometheus.Counter
	FlowDuration prometheus.Histogram

	// Identification buffer metrics
	BufferedBytes   prometheus.Gauge
	ChunksBuffered  prometheus.Counter
	BufferOverflows prometheus.Counter
	StreamGaps      prometheus.Counter
	GapBytes        prometheus.Counter

	// Matching and activation metrics
	MatchSteps    prometheus.Counter
	Activations   *prometheus.CounterVec
	Deactivations prometheus.Counter
	UnknownTags   prometheus.Counter
	Replays       prometheus.Counter
	ReplayedBytes prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Capture metrics
		PacketsSeen: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_packets_seen_total",
			Help: "Total number of packets read from the capture source",
		}),
		PacketsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_packets_delivered_total",
			Help: "Total number of packets delivered to analyzer trees",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_decode_errors_total",
			Help: "Total number of packets that failed to decode",
		}),

		// Flow metrics
		ActiveFlows: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fractal_active_flows",
			Help: "Current number of tracked connections",
		}),
		FlowsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_flows_created_total",
			Help: "Total number of connections created",
		}),
		FlowsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_flows_expired_total",
			Help: "Total number of connections removed by timeout or teardown",
		}),
		FlowDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fractal_flow_duration_seconds",
			Help:    "Lifetime of tracked connections in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Identification buffer metrics
		BufferedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fractal_ident_buffered_bytes",
			Help: "Bytes currently held in identification chunk stores",
		}),
		ChunksBuffered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_chunks_buffered_total",
			Help: "Total number of chunks copied into identification stores",
		}),
		BufferOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_buffer_overflows_total",
			Help: "Total number of Buffering to MatchingOnly transitions",
		}),
		StreamGaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_stream_gaps_total",
			Help: "Total number of reassembly gaps reported to the matcher",
		}),
		GapBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_gap_bytes_total",
			Help: "Total bytes covered by reassembly gaps",
		}),

		// Matching and activation metrics
		MatchSteps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_match_steps_total",
			Help: "Total number of signature match steps executed",
		}),
		Activations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fractal_ident_activations_total",
			Help: "Total number of analyzer activations",
		}, []string{"tag"}),
		Deactivations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_deactivations_total",
			Help: "Total number of analyzer deactivations",
		}),
		UnknownTags: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_unknown_tags_total",
			Help: "Total number of activation requests for unregistered tags",
		}),
		Replays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_replays_total",
			Help: "Total number of chunk store replays into activated analyzers",
		}),
		ReplayedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fractal_ident_replayed_bytes_total",
			Help: "Total bytes replayed into activated analyzers",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fractal_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fractal_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fractal_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketSeen increments the packets seen counter
func (m *Metrics) RecordPacketSeen() {
	if m == nil {
		return
	}
	m.PacketsSeen.Inc()
}

// RecordPacketDelivered increments the packets delivered counter
func (m *Metrics) RecordPacketDelivered() {
	if m == nil {
		return
	}
	m.PacketsDelivered.Inc()
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// SetActiveFlows sets the current number of tracked connections
func (m *Metrics) SetActiveFlows(count int) {
	if m == nil {
		return
	}
	m.ActiveFlows.Set(float64(count))
}

// RecordFlowCreated increments the flows created counter
func (m *Metrics) RecordFlowCreated() {
	if m == nil {
		return
	}
	m.FlowsCreated.Inc()
}

// RecordFlowExpired increments the flows expired counter and records duration
func (m *Metrics) RecordFlowExpired(durationSeconds float64) {
	if m == nil {
		return
	}
	m.FlowsExpired.Inc()
	m.FlowDuration.Observe(durationSeconds)
}

// RecordChunkBuffered records one chunk copied into a store
func (m *Metrics) RecordChunkBuffered(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksBuffered.Inc()
	m.BufferedBytes.Add(float64(sizeBytes))
}

// RecordStoreCleared subtracts a cleared store's bytes from the gauge
func (m *Metrics) RecordStoreCleared(sizeBytes int) {
	if m == nil || sizeBytes == 0 {
		return
	}
	m.BufferedBytes.Sub(float64(sizeBytes))
}

// RecordBufferOverflow increments the overflow transition counter
func (m *Metrics) RecordBufferOverflow() {
	if m == nil {
		return
	}
	m.BufferOverflows.Inc()
}

// RecordStreamGap records a reassembly gap of the given length
func (m *Metrics) RecordStreamGap(lengthBytes int) {
	if m == nil {
		return
	}
	m.StreamGaps.Inc()
	m.GapBytes.Add(float64(lengthBytes))
}

// RecordMatchStep increments the match steps counter
func (m *Metrics) RecordMatchStep() {
	if m == nil {
		return
	}
	m.MatchSteps.Inc()
}

// RecordActivation records an analyzer activation by tag
func (m *Metrics) RecordActivation(tag string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(tag).Inc()
}

// RecordDeactivation increments the deactivation counter
func (m *Metrics) RecordDeactivation() {
	if m == nil {
		return
	}
	m.Deactivations.Inc()
}

// RecordUnknownTag increments the unknown tag counter
func (m *Metrics) RecordUnknownTag() {
	if m == nil {
		return
	}
	m.UnknownTags.Inc()
}

// RecordReplay records a replay of the given byte count
func (m *Metrics) RecordReplay(sizeBytes int) {
	if m == nil {
		return
	}
	m.Replays.Inc()
	m.ReplayedBytes.Add(float64(sizeBytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
