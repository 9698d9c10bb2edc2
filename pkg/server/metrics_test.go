package server

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aeolun/sessionwire/pkg/multipart"
	"github.com/aeolun/sessionwire/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeErrorReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&protocol.BundleError{Index: 1, Type: protocol.TypeUsername, Err: protocol.ErrTruncated}, "bundle_corrupt"},
		{protocol.ErrTruncated, "truncated"},
		{fmt.Errorf("%w: 0xffff", protocol.ErrUnknownPacketType), "unknown_type"},
		{protocol.ErrMalformedString, "malformed_string"},
		{protocol.ErrDatagramTooLarge, "too_large"},
		{protocol.ErrTrailingBytes, "trailing_bytes"},
		{protocol.ErrEmptyDatagram, "empty"},
		{protocol.ErrInvalidEnum, "invalid_field"},
		{protocol.ErrInvalidPartIndex, "invalid_field"},
		{multipart.ErrInconsistentParts, "inconsistent_parts"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeErrorReason(tt.err))
		})
	}
}

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordActiveSessions(3)
	m.RecordPacketReceived(protocol.TypeMultiPart)
	m.RecordPacketReceived(protocol.TypeMultiPart)
	m.RecordDatagramSent(100)
	m.RecordDatagramSent(20)
	m.RecordPostCompleted(false)
	m.RecordPostCompleted(true)
	m.RecordPostCompleted(true)
	m.ObserveRTT(12)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.packetsReceived.WithLabelValues(protocol.TypeMultiPart.String())))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.datagramsSent))
	assert.Equal(t, float64(120), testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.postsCompleted.WithLabelValues("new")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.postsCompleted.WithLabelValues("edit")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.rtt))
}

func TestMetricsHandler(t *testing.T) {
	// Private registries let several hosts coexist in one process.
	a, b := NewMetrics(), NewMetrics()
	a.RecordSessionCreated()
	b.RecordRejected("full")

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "sessionwire_sessions_created_total 1")
	assert.Contains(t, text, "go_goroutines")
	assert.False(t, strings.Contains(text, `sessionwire_rejected_total{reason="full"}`))
}
