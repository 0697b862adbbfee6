package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RefreshResult("ok")
		m.OTPVerify("login", "success")
		m.SyncRecord("critical", "sent")
		m.QueueItems(map[string]int{"pending": 2})
		m.Badge(3)
	})
}

func TestMetrics_CountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RefreshResult("ok")
	m.RefreshResult("ok")
	m.SyncRecord("urgent", "failed")
	m.Badge(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionRefresh.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRecords.WithLabelValues("urgent", "failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.badge))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "lifeline_session_refresh_total")
}

func TestNew_SameRegistryTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.NoError(t, err)
}
