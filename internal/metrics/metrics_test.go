package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionEnded("eof", time.Millisecond, 1)
		m.StartFailed("spawn")
		m.AddOutput(10)
		m.AddInput(10)
		m.WSConnected()
		m.WSDisconnected()
		m.WSMessage("in", "stdin")
	})
	assert.Zero(t, m.Uptime())
}

func TestSessionLifecycleCounters(t *testing.T) {
	m := New()

	m.SessionStarted()
	m.SessionStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))

	m.SessionEnded("eof", 10*time.Millisecond, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsEnded.WithLabelValues("eof")))

	m.AddOutput(100)
	m.AddInput(7)
	assert.Equal(t, 100.0, testutil.ToFloat64(m.OutputBytes))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.InputBytes))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.StartFailed("spawn")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `moodterm_session_start_failures_total{cause="spawn"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.SessionStarted()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SessionsStarted))
}
