package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutorwise/signals/internal/config"
	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/signals"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

type checker struct{ err error }

func (c checker) Health(ctx context.Context) error { return c.err }

type testServer struct {
	handler http.Handler
	events  *storage.InMemoryEventLog
	rollups *storage.InMemoryMetricsStore
	cfg     *config.Config
}

func newTestServer(t *testing.T, health map[string]HealthChecker) *testServer {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry("test", reg)

	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Signals: config.SignalsConfig{
			DistributionTTL:   7 * 24 * time.Hour,
			OrganicTTL:        30 * 24 * time.Hour,
			DistributionParam: "ref",
			CookieName:        "tw_signal",
			DefaultWindowDays: 30,
		},
	}

	signalRepo := storage.NewInMemorySignalRepo()
	events := storage.NewInMemoryEventLog()
	rollups := storage.NewInMemoryMetricsStore()

	aggregator := signals.NewAggregator(rollups, events, logger)
	journeys := signals.NewReconstructor(events, signalRepo, m)
	calculator := signals.NewCalculator(journeys, 2, logger, m)

	handler := NewServer(&Dependencies{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Gatherer:   reg,
		Health:     health,
		Issuer:     signals.NewIssuer(signalRepo, cfg.Signals.DistributionTTL, cfg.Signals.OrganicTTL, logger, m),
		Recorder:   signals.NewRecorder(signalRepo, events, aggregator, nil, logger, m),
		Aggregator: aggregator,
		Reporting:  signals.NewReportingService(rollups, events, journeys, calculator, cfg.Signals.DefaultWindowDays, logger),
	})

	return &testServer{handler: handler, events: events, rollups: rollups, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, target string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req = httptest.NewRequest(method, target, &buf)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func signalCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "tw_signal" {
			return c
		}
	}
	t.Fatal("signal cookie not set")
	return nil
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, map[string]HealthChecker{"postgres": checker{}})
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","postgres":"ok"}`, rec.Body.String())

	ts = newTestServer(t, map[string]HealthChecker{"redis": checker{err: errors.New("down")}})
	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","redis":"unavailable"}`, rec.Body.String())
}

func TestIssueSetsCookieAndReuses(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/signals/issue", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var first issueResponse
	decodeBody(t, rec, &first)
	assert.Equal(t, models.SourceOrganic, first.SourceClass)
	assert.False(t, first.Reused)

	cookie := signalCookie(t, rec)
	assert.Equal(t, first.SignalID, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.InDelta(t, (30 * 24 * time.Hour).Seconds(), float64(cookie.MaxAge), 5)

	rec = ts.do(t, http.MethodPost, "/signals/issue", nil, cookie)
	var again issueResponse
	decodeBody(t, rec, &again)
	assert.True(t, again.Reused)
	assert.Equal(t, first.SignalID, again.SignalID)

	// A distribution link supersedes the organic identifier.
	rec = ts.do(t, http.MethodPost, "/signals/issue?ref=spring-newsletter", nil, cookie)
	var dist issueResponse
	decodeBody(t, rec, &dist)
	assert.Equal(t, models.SourceDistribution, dist.SourceClass)
	assert.Equal(t, "spring-newsletter", dist.DistributionRef)
	assert.Equal(t, first.SignalID, dist.Superseded)
	assert.InDelta(t, (7 * 24 * time.Hour).Seconds(), float64(signalCookie(t, rec).MaxAge), 5)

	// The body takes precedence over the query string.
	rec = ts.do(t, http.MethodPost, "/signals/issue?ref=ignored", issueRequest{
		DistributionRef: "spring-newsletter",
		CurrentSignalID: dist.SignalID,
	}, nil)
	var same issueResponse
	decodeBody(t, rec, &same)
	assert.True(t, same.Reused)
	assert.Equal(t, dist.SignalID, same.SignalID)
}

func TestRecordEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	cookie := signalCookie(t, ts.do(t, http.MethodPost, "/signals/issue", nil, nil))

	rec := ts.do(t, http.MethodPost, "/events", eventRequest{
		ContentRef: "listing-42",
		EventType:  "bogus",
	}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/events", eventRequest{
		EventID:         "evt_fixed",
		ContentRef:      "listing-42",
		EventType:       "click",
		SourceComponent: "listing_card",
	}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res signals.RecordResult
	decodeBody(t, rec, &res)
	assert.Equal(t, "evt_fixed", res.EventID)
	assert.False(t, res.Unattributed)
	assert.True(t, res.MetricsUpdated)

	rec = ts.do(t, http.MethodPost, "/events", eventRequest{
		EventID:    "evt_fixed",
		ContentRef: "listing-42",
		EventType:  "click",
	}, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &res)
	assert.True(t, res.Duplicate)

	rec = ts.do(t, http.MethodPost, "/events", eventRequest{
		ContentRef: "listing-42",
		EventType:  "impression",
		SignalID:   "sig_unknown",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeBody(t, rec, &res)
	assert.True(t, res.Unattributed)

	m, err := ts.rollups.Get(context.Background(), "listing-42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Clicks)
	assert.Equal(t, int64(1), m.Impressions)

	rec = ts.do(t, http.MethodPost, "/events", strings.Repeat("x", 10), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/events", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// seedJourney issues a distribution signal, records a click on each ref
// and a booking on the last one.
func seedJourney(t *testing.T, ts *testServer, refs ...string) string {
	t.Helper()
	cookie := signalCookie(t, ts.do(t, http.MethodPost, "/signals/issue?ref=summer", nil, nil))
	for _, ref := range refs {
		rec := ts.do(t, http.MethodPost, "/events", eventRequest{ContentRef: ref, EventType: "click"}, cookie)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/conversions", conversionRequest{
		ContentRef: refs[len(refs)-1],
		BookingID:  "booking-1",
		Value:      120,
	}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res signals.RecordResult
	decodeBody(t, rec, &res)
	require.NotEmpty(t, res.ConversionID)
	return cookie.Value
}

func TestConversionRequiresBooking(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/conversions", conversionRequest{ContentRef: "tutor-1", Value: 10}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/conversions", conversionRequest{ContentRef: "tutor-1", BookingID: "b", Value: -1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJourneyEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	signalID := seedJourney(t, ts, "article-a", "tutor-b")

	rec := ts.do(t, http.MethodGet, "/journeys/"+signalID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view signals.JourneyView
	decodeBody(t, rec, &view)
	assert.True(t, view.Found)
	require.Len(t, view.Steps, 3)
	assert.Equal(t, "article-a", view.Steps[0].ContentRef)
	assert.Equal(t, models.EventConvert, view.Steps[2].EventType)
	assert.Equal(t, "booking-1", view.Steps[2].TargetRef)

	rec = ts.do(t, http.MethodGet, "/journeys/sig_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	decodeBody(t, rec, &view)
	assert.False(t, view.Found)
}

func TestReportingEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	seedJourney(t, ts, "article-a", "tutor-b")

	t.Run("performance", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/reports/performance?sort_by=clicks&limit=1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Content []signals.PerformanceSummary `json:"content"`
		}
		decodeBody(t, rec, &body)
		assert.Len(t, body.Content, 1)

		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/reports/performance?sort_by=nope", nil, nil).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/reports/performance?limit=x", nil, nil).Code)
	})

	t.Run("funnel", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/reports/funnel?content_ref=tutor-b", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var report signals.FunnelReport
		decodeBody(t, rec, &report)
		require.Len(t, report.Stages, 4)
		assert.Equal(t, "convert", report.Stages[3].Stage)
		assert.Equal(t, int64(1), report.Stages[3].Volume)

		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/reports/funnel?since=yesterday", nil, nil).Code)
		assert.Equal(t, http.StatusBadRequest,
			ts.do(t, http.MethodGet, "/reports/funnel?since=2024-03-02&until=2024-03-01", nil, nil).Code)
	})

	t.Run("attribution", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/reports/attribution?window_days=7&model=linear", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var report signals.AttributionReport
		decodeBody(t, rec, &report)
		assert.Equal(t, models.ModelLinear, report.Model)
		require.Len(t, report.Credits, 2)
		total := 0.0
		for _, c := range report.Credits {
			total += c.Revenue
		}
		assert.InDelta(t, 120.0, total, 1e-9)

		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/reports/attribution?model=time_decay", nil, nil).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/reports/attribution?window_days=-3", nil, nil).Code)
	})

	t.Run("compare", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/reports/attribution/compare?window_days=7", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var cmp signals.AttributionComparison
		decodeBody(t, rec, &cmp)
		assert.Equal(t, 1, cmp.TotalConversions)
		assert.Zero(t, cmp.ExcludedConversions)
		require.Len(t, cmp.Models, len(models.AttributionModels))
		for _, m := range cmp.Models {
			assert.InDelta(t, 120.0, m.AttributedRevenue, 1e-9, string(m.Model))
		}
	})
}

func TestRecomputeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	seedJourney(t, ts, "article-a")

	// Corrupt the rollup, then repair it from the event log.
	require.NoError(t, ts.rollups.Overwrite(context.Background(), &models.ContentMetrics{ContentRef: "article-a", Clicks: 99}))

	rec := ts.do(t, http.MethodPost, "/admin/metrics/recompute/article-a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m models.ContentMetrics
	decodeBody(t, rec, &m)
	assert.Equal(t, int64(1), m.Clicks)
	assert.Equal(t, int64(1), m.Conversions)
	assert.Equal(t, 120.0, m.AttributedRevenue)

	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodGet, "/admin/metrics/recompute/article-a", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/admin/metrics/recompute/", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/signals/issue", nil, nil)

	rec := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_signals_issued_total")
}
