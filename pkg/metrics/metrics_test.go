package metrics

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLifecycle(t *testing.T) {
	m := New()
	done := m.ConnectionOpened("websocket")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeConnections.WithLabelValues("websocket")))
	m.AddBytes("websocket", 2048)
	m.ProcessStarted()
	m.ProcessExited("client")
	done()

	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeConnections.WithLabelValues("websocket")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectionsTotal.WithLabelValues("websocket")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(m.bytesRelayed.WithLabelValues("websocket")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.processExits.WithLabelValues("client")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("webrtc")()
	m.Rejected("missing_key")
	m.ProcessStarted()
	m.ProcessExited("process")
	m.AddBytes("webrtc", 1)
}

func TestHandler(t *testing.T) {
	m := New()
	m.Rejected("missing_key")
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errorsTotal))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := ioutil.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `castrelay_ingest_rejected_total{reason="missing_key"} 1`)
	assert.Contains(t, string(body), "castrelay_http_requests_total 1")
}
