// Package metrics holds the Prometheus instrumentation of the ingest path.
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	HandshakeFailures prometheus.Counter
	ProtocolErrors    prometheus.Counter
	BytesReceived     prometheus.Counter
	PublishRequests   *prometheus.CounterVec

	// Stream metrics
	ActiveStreams  prometheus.Gauge
	StreamDuration prometheus.Histogram

	// Demux metrics
	VideoTags   *prometheus.CounterVec
	SkippedTags *prometheus.CounterVec
	Captions    prometheus.Counter

	// Decode and hand-off metrics
	DecodeErrors    *prometheus.CounterVec
	FramesDecoded   prometheus.Counter
	FramesPublished *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	PublishDuration prometheus.Histogram
}

// New creates the metrics on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtmpcam_connections_active",
			Help: "Current number of open RTMP connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rtmpcam_connections_total",
			Help: "Total number of accepted RTMP connections",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "rtmpcam_handshake_failures_total",
			Help: "Total number of connections closed during the handshake",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "rtmpcam_protocol_errors_total",
			Help: "Total number of connections closed by a chunk stream or session error",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "rtmpcam_bytes_received_total",
			Help: "Total number of bytes read from RTMP peers",
		}),
		PublishRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpcam_publish_requests_total",
			Help: "Publish requests by outcome",
		}, []string{"result"}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtmpcam_active_streams",
			Help: "Current number of publishing streams",
		}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtmpcam_stream_duration_seconds",
			Help:    "Duration of publish sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
		}),

		VideoTags: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpcam_video_tags_total",
			Help: "Parsed video tags by kind",
		}, []string{"kind"}),
		SkippedTags: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpcam_skipped_tags_total",
			Help: "Video tags dropped by the demuxer by reason",
		}, []string{"reason"}),
		Captions: f.NewCounter(prometheus.CounterOpts{
			Name: "rtmpcam_captions_total",
			Help: "Decoded CEA-608/708 caption frames",
		}),

		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpcam_decode_errors_total",
			Help: "Decode failures by kind (bad_data, error, no_config)",
		}, []string{"kind"}),
		FramesDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "rtmpcam_frames_decoded_total",
			Help: "Frames produced by the decode capability",
		}),
		FramesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpcam_frames_published_total",
			Help: "Frames made visible to readers by output",
		}, []string{"output"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmpcam_frames_dropped_total",
			Help: "Decoded frames that were not handed off, by output",
		}, []string{"output"}),
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtmpcam_publish_duration_seconds",
			Help:    "Time spent copying a frame into the shared region or ring",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordConnectionOpened counts an accepted connection.
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed decrements the open connection gauge.
func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordHandshakeFailure counts a connection lost during the handshake.
func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.HandshakeFailures.Inc()
}

// RecordProtocolError counts a connection closed by a protocol error.
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordBytes adds n to the received byte counter.
func (m *Metrics) RecordBytes(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// RecordPublishRequest counts a publish request outcome: "accepted",
// "denied" or "duplicate".
func (m *Metrics) RecordPublishRequest(result string) {
	if m == nil {
		return
	}
	m.PublishRequests.WithLabelValues(result).Inc()
}

// RecordStreamStarted increments the active stream gauge.
func (m *Metrics) RecordStreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// RecordStreamEnded decrements the active stream gauge and records duration.
func (m *Metrics) RecordStreamEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordVideoTag counts a parsed video tag by kind.
func (m *Metrics) RecordVideoTag(kind string) {
	if m == nil {
		return
	}
	m.VideoTags.WithLabelValues(kind).Inc()
}

// RecordSkippedTag counts a dropped video tag.
func (m *Metrics) RecordSkippedTag(reason string) {
	if m == nil {
		return
	}
	m.SkippedTags.WithLabelValues(reason).Inc()
}

// RecordCaption counts a caption frame.
func (m *Metrics) RecordCaption() {
	if m == nil {
		return
	}
	m.Captions.Inc()
}

// RecordDecodeError counts a decode failure of the given kind.
func (m *Metrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// RecordDecoded counts a decoded frame.
func (m *Metrics) RecordDecoded() {
	if m == nil {
		return
	}
	m.FramesDecoded.Inc()
}

// RecordPublished counts a handed-off frame and how long the copy took.
func (m *Metrics) RecordPublished(output string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.FramesPublished.WithLabelValues(output).Inc()
	m.PublishDuration.Observe(durationSeconds)
}

// RecordDropped counts a decoded frame that was not handed off.
func (m *Metrics) RecordDropped(output string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(output).Inc()
}
