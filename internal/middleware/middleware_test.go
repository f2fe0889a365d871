package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutorwise/signals/internal/config"
	"github.com/tutorwise/signals/internal/metrics"
	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, method, target string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(config.AuthConfig{
		Enabled:   true,
		MasterKey: "secret",
		SkipPaths: []string{"/health", "/events"},
	}, zap.NewNop())
	h := auth.Handler(okHandler)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"skipped path", "/events", "", http.StatusOK},
		{"skip is not a bare prefix", "/eventsx", "", http.StatusUnauthorized},
		{"missing key", "/reports/performance", "", http.StatusUnauthorized},
		{"wrong key", "/reports/performance", "nope", http.StatusUnauthorized},
		{"valid key", "/reports/performance", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.path, func(r *http.Request) {
				if tt.header != "" {
					r.Header.Set(AuthHeaderName, tt.header)
				}
			})
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := serve(h, http.MethodGet, "/reports/funnel?api_key=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/reports/funnel", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/reports/funnel", func(r *http.Request) {
		r.Header.Set("Authorization", "Basic secret")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing API key"}`, rec.Body.String())
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h := NewAuthMiddleware(config.AuthConfig{Enabled: false}, zap.NewNop()).Handler(okHandler)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/reports/performance", nil).Code)
}

func TestRateLimitSeparatesIngestAndReporting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry("test", reg)

	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:        true,
		IngestRPS:      0.001,
		IngestBurst:    2,
		ReportingRPS:   0.001,
		ReportingBurst: 1,
	}, zap.NewNop())
	rl.SetMetrics(m)
	h := rl.Handler(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/reports/performance", nil).Code)
	rec := serve(h, http.MethodGet, "/reports/performance", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Reporting exhaustion leaves ingest untouched.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/events", nil).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/conversions", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/events", nil).Code)

	// Health is never limited.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", nil).Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitHits.WithLabelValues("reporting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitHits.WithLabelValues("ingest")))
}

func TestRateLimitPerIP(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:     true,
		IngestRPS:   0.01,
		IngestBurst: 10,
	}, zap.NewNop())
	h := rl.HandlerPerIP(okHandler)

	from := func(ip string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = ip + ":40000" }
	}

	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/events", from("203.0.113.7")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/events", from("203.0.113.7")).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/events", from("203.0.113.8")).Code)
	// Reporting paths are not limited per IP.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/reports/funnel", from("203.0.113.7")).Code)

	require.Equal(t, 2, rl.IPLimiterCount())
	rl.CleanupIPLimiters()
	assert.Equal(t, 0, rl.IPLimiterCount())
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewRecoveryMiddleware(zap.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := serve(h, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := serve(h, http.MethodGet, "/", nil)
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	rec = serve(h, http.MethodGet, "/", func(r *http.Request) { r.Header.Set(RequestIDHeader, "req-42") })
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	long := strings.Repeat("x", maxRequestIDLen+1)
	serve(h, http.MethodGet, "/", func(r *http.Request) { r.Header.Set(RequestIDHeader, long) })
	assert.NotEqual(t, long, seen)

	assert.Empty(t, RequestIDFrom(context.Background()))
}

func TestRecoveryReraisesAbort(t *testing.T) {
	h := NewRecoveryMiddleware(zap.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(h, http.MethodGet, "/", nil)
	})
}

func TestClientIP(t *testing.T) {
	proxies, err := NewProxyTrust([]string{"10.0.0.0/8", "2001:db8::1"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		peer   string
		xff    string
		realIP string
		want   string
	}{
		{"direct", "192.0.2.10:51234", "", "", "192.0.2.10"},
		{"untrusted peer cannot forward", "192.0.2.10:51234", "203.0.113.1", "198.51.100.2", "192.0.2.10"},
		{"trusted proxy", "10.0.0.5:443", "203.0.113.1", "", "203.0.113.1"},
		{"spoofed left-most hop is skipped", "10.0.0.5:443", "198.51.100.9, 203.0.113.1, 10.0.0.7", "", "203.0.113.1"},
		{"real ip from proxy", "10.0.0.5:443", "", "198.51.100.2", "198.51.100.2"},
		{"malformed hop falls back to peer", "10.0.0.5:443", "not-an-ip", "", "10.0.0.5"},
		{"all hops trusted", "10.0.0.5:443", "10.1.1.1, 10.0.0.7", "", "10.1.1.1"},
		{"single trusted v6 host", "[2001:db8::1]:443", "203.0.113.4", "", "203.0.113.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.peer
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, proxies.Resolve(req))
		})
	}

	_, err = NewProxyTrust([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestClientIPWithoutProxyTrust(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	assert.Equal(t, "192.0.2.10", ClientIP(req))
}

func TestPerIPLimitIgnoresRotatedForwardedFor(t *testing.T) {
	proxies, err := NewProxyTrust(nil)
	require.NoError(t, err)
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:     true,
		IngestRPS:   0.01,
		IngestBurst: 10,
	}, zap.NewNop())
	h := Chain(okHandler, proxies.Handler, rl.HandlerPerIP)

	rotate := func(xff string) func(*http.Request) {
		return func(r *http.Request) {
			r.RemoteAddr = "203.0.113.7:5555"
			r.Header.Set("X-Forwarded-For", xff)
		}
	}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/events", rotate("198.51.100.1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/events", rotate("198.51.100.2")).Code)
	assert.Equal(t, 1, rl.IPLimiterCount())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	serve(Chain(okHandler, mw("outer"), mw("inner")), http.MethodGet, "/", nil)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("warn", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = NewLogger("loud", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
