package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEventCountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry("test", reg)

	m.RecordEvent("click", true, 2*time.Millisecond)
	m.RecordEvent("click", true, time.Millisecond)
	m.RecordEvent("click", false, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsRecorded.WithLabelValues("click", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsRecorded.WithLabelValues("click", "false")))
}

func TestRecordDriftScan(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry("test", reg)

	m.RecordDriftScan(false, false)
	m.RecordDriftScan(true, true)
	m.RecordDriftScan(true, false)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DriftScanned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DriftDetected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriftRepaired))
}

func TestConversionValueIgnoresZero(t *testing.T) {
	m := NewMetricsWithRegistry("test", prometheus.NewRegistry())

	m.RecordConversionValue(0)
	m.RecordConversionValue(12.5)

	assert.Equal(t, 12.5, testutil.ToFloat64(m.ConversionRevenue))
}

func TestHandlerForServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry("test", reg)
	m.RecordSignalIssued("organic")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_signals_issued_total{source_class="organic"} 1`)
}
