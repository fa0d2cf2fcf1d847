package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.FramesCaptured.Add(3)
	m.ActiveSessions.Add(2)
	m.UpdateDetectionLatency(42 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "hub_frames_captured_total 3")
	assert.Contains(t, string(body), "hub_active_sessions 2")
	assert.Contains(t, string(body), "hub_detection_latency_ms 42")
}

func TestMetrics_RegistryIsolated(t *testing.T) {
	a := New()
	b := New()
	a.EventsDropped.Add(1)

	n, err := testutil.GatherAndCount(a.Registry(), "hub_events_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, b.EventsDropped.Load())
}
