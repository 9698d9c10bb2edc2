package server

import (
	"errors"
	"net/http"

	"github.com/aeolun/sessionwire/pkg/multipart"
	"github.com/aeolun/sessionwire/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's Prometheus collectors on a private registry, so
// several hosts can live in one process (tests) without clashing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	rejected           *prometheus.CounterVec
	packetsReceived    *prometheus.CounterVec
	datagramsSent      prometheus.Counter
	bytesReceived      prometheus.Counter
	bytesSent          prometheus.Counter
	decodeErrors       *prometheus.CounterVec
	postsCompleted     *prometheus.CounterVec
	reassemblyTimeouts prometheus.Counter
	rtt                prometheus.Histogram
}

// NewMetrics creates and registers the host collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionwire_active_sessions",
			Help: "Number of connected sessions",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_sessions_created_total",
			Help: "Sessions accepted since start",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_rejected_total",
			Help: "Connections or requests refused, by reason",
		}, []string{"reason"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_packets_received_total",
			Help: "Decoded packets by type, bundle contents included",
		}, []string{"type"}),
		datagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_datagrams_sent_total",
			Help: "Datagrams written to sessions",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_bytes_received_total",
			Help: "Datagram bytes read from sessions",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_bytes_sent_total",
			Help: "Datagram bytes written to sessions",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_decode_errors_total",
			Help: "Datagrams that failed to decode, by reason",
		}, []string{"reason"}),
		postsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_posts_completed_total",
			Help: "Reassembled multi-part posts",
		}, []string{"kind"}),
		reassemblyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_reassembly_timeouts_total",
			Help: "Incomplete multi-part posts discarded",
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionwire_rtt_milliseconds",
			Help:    "Round-trip time samples from loopback probes",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.sessionsCreated,
		m.rejected,
		m.packetsReceived,
		m.datagramsSent,
		m.bytesReceived,
		m.bytesSent,
		m.decodeErrors,
		m.postsCompleted,
		m.reassemblyTimeouts,
		m.rtt,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordPacketReceived(t protocol.TypeID) {
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) RecordDatagramReceived(n int) {
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) RecordDatagramSent(n int) {
	m.datagramsSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) RecordDecodeError(err error) {
	m.decodeErrors.WithLabelValues(decodeErrorReason(err)).Inc()
}

func (m *Metrics) RecordPostCompleted(supersedes bool) {
	kind := "new"
	if supersedes {
		kind = "edit"
	}
	m.postsCompleted.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordReassemblyTimeout() {
	m.reassemblyTimeouts.Inc()
}

func (m *Metrics) ObserveRTT(millis float64) {
	m.rtt.Observe(millis)
}

// decodeErrorReason maps a decode failure to a bounded label value.
func decodeErrorReason(err error) string {
	// Bundle errors wrap the inner failure; report the bundle itself.
	switch {
	case errors.Is(err, protocol.ErrBundleCorrupt):
		return "bundle_corrupt"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrUnknownPacketType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrMalformedString):
		return "malformed_string"
	case errors.Is(err, protocol.ErrDatagramTooLarge):
		return "too_large"
	case errors.Is(err, protocol.ErrTrailingBytes):
		return "trailing_bytes"
	case errors.Is(err, protocol.ErrEmptyDatagram):
		return "empty"
	case errors.Is(err, protocol.ErrInvalidEnum), errors.Is(err, protocol.ErrInvalidPartIndex):
		return "invalid_field"
	case errors.Is(err, multipart.ErrInconsistentParts):
		return "inconsistent_parts"
	}
	return "other"
}
