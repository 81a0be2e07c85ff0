package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreInert(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.RecordConnectionOpened()
	m.RecordConnectionClosed()
	m.RecordHandshakeFailure()
	m.RecordProtocolError()
	m.RecordBytes(10)
	m.RecordPublishRequest("accepted")
	m.RecordStreamStarted()
	m.RecordStreamEnded(1)
	m.RecordVideoTag("nalu")
	m.RecordSkippedTag("codec")
	m.RecordCaption()
	m.RecordDecodeError("bad_data")
	m.RecordDecoded()
	m.RecordPublished("shm", 0.001)
	m.RecordDropped("shm")
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()

	m.RecordConnectionOpened()
	m.RecordConnectionOpened()
	m.RecordConnectionClosed()
	m.RecordBytes(1536)
	m.RecordPublishRequest("accepted")
	m.RecordPublishRequest("denied")
	m.RecordPublishRequest("denied")
	m.RecordSkippedTag("malformed")
	m.RecordPublished("shm", 0.0002)

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("active connections = %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 2 {
		t.Errorf("total connections = %v", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 1536 {
		t.Errorf("bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.PublishRequests.WithLabelValues("denied")); got != 2 {
		t.Errorf("denied = %v", got)
	}
	if got := testutil.ToFloat64(m.SkippedTags.WithLabelValues("malformed")); got != 1 {
		t.Errorf("skipped = %v", got)
	}
	if got := testutil.ToFloat64(m.FramesPublished.WithLabelValues("shm")); got != 1 {
		t.Errorf("published = %v", got)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	t.Parallel()
	a, b := New(), New()
	a.RecordDecoded()
	if got := testutil.ToFloat64(b.FramesDecoded); got != 0 {
		t.Errorf("second instance saw %v decoded frames", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.RecordStreamStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"rtmpcam_active_streams 1", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}
}
