package smtp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric %s", c.Desc())
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.connectionOpened()
	m.messageArchived(120)
	m.messageArchived(30)
	m.commandRejected(StateWaitHelo)
	m.ReloadSucceeded()
	m.ReloadFailed()
	m.ReloadFailed()

	assert.Equal(t, float64(1), value(t, m.ConnectionsActive))
	assert.Equal(t, float64(2), value(t, m.MessagesArchived))
	assert.Equal(t, float64(150), value(t, m.SpooledBytes))
	assert.Equal(t, float64(1), value(t, m.CommandsRejected.WithLabelValues("HELO")))
	assert.Equal(t, float64(2), value(t, m.Reloads.WithLabelValues("failure")))

	m.connectionClosed(time.Second)
	assert.Equal(t, float64(0), value(t, m.ConnectionsActive))
	assert.Equal(t, float64(1), value(t, m.ConnectionsTotal))
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.connectionOpened()
		m.connectionClosed(time.Second)
		m.messageArchived(1)
		m.spoolFailed()
		m.commandRejected(StateWaitRcptTo)
		m.ReloadSucceeded()
		m.ReloadFailed()
	})
}

func TestHTTPHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.messageArchived(42)

	health := Health{Status: "ok", Uptime: "1m0s", ActiveConnections: 3, Generation: 2}
	handler := NewHTTPHandler(reg, func() Health { return health })

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mailarchive_messages_archived_total 1")
	assert.Contains(t, rec.Body.String(), "mailarchive_spooled_bytes_total 42")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, health, got)

	health.Status = "stopping"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", strings.NewReader("")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerHealth(t *testing.T) {
	srv, err := NewServer(ServerConfig{Snapshot: &Snapshot{ServerName: "mx.test"}})
	require.NoError(t, err)

	h := srv.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, int64(0), h.ActiveConnections)
	assert.Equal(t, uint64(1), h.Generation)

	srv.Reload(&Snapshot{ServerName: "mx.test"})
	assert.Equal(t, uint64(2), srv.Health().Generation)
}
