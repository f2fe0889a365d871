package middleware

import (
	"net/http"
	"sync"

	"github.com/tutorwise/signals/internal/config"
	"github.com/tutorwise/signals/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Ingest paths take browser traffic; everything else is reporting and
// admin traffic with a much lower budget.
var ingestPaths = []string{"/signals/issue", "/events", "/conversions"}

func isIngestPath(path string) bool {
	for _, p := range ingestPaths {
		if path == p {
			return true
		}
	}
	return false
}

// RateLimitMiddleware implements token bucket rate limiting with separate
// budgets for ingest and reporting.
type RateLimitMiddleware struct {
	cfg              config.RateLimitConfig
	logger           *zap.Logger
	metrics          *metrics.Metrics
	ingestLimiter    *rate.Limiter
	reportingLimiter *rate.Limiter

	// Per-IP limiters for ingest
	mu         sync.RWMutex
	ipLimiters map[string]*rate.Limiter
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:              cfg,
		logger:           logger,
		ingestLimiter:    rate.NewLimiter(rate.Limit(cfg.IngestRPS), cfg.IngestBurst),
		reportingLimiter: rate.NewLimiter(rate.Limit(cfg.ReportingRPS), cfg.ReportingBurst),
		ipLimiters:       make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimitMiddleware) SetMetrics(m *metrics.Metrics) {
	rl.metrics = m
}

// Handler wraps an http.Handler with the shared limiters.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		limiter, class := rl.reportingLimiter, "reporting"
		if isIngestPath(r.URL.Path) {
			limiter, class = rl.ingestLimiter, "ingest"
		}

		if !limiter.Allow() {
			rl.reject(w, r, class)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandlerPerIP applies per-IP limits to ingest paths so one client cannot
// drain the shared ingest budget.
func (rl *RateLimitMiddleware) HandlerPerIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || !isIngestPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.getIPLimiter(ClientIP(r)).Allow() {
			rl.reject(w, r, "ingest_ip")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getIPLimiter returns or creates a rate limiter for the given IP.
func (rl *RateLimitMiddleware) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.ipLimiters[ip]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists = rl.ipLimiters[ip]; exists {
		return limiter
	}

	burst := rl.cfg.IngestBurst / 10
	if burst < 1 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(rl.cfg.IngestRPS/10), burst)
	rl.ipLimiters[ip] = limiter

	return limiter
}

func (rl *RateLimitMiddleware) reject(w http.ResponseWriter, r *http.Request, class string) {
	rl.logger.Warn("rate limit exceeded",
		zap.String("class", class),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)
	if rl.metrics != nil {
		rl.metrics.RecordRateLimitHit(class)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

// CleanupIPLimiters drops all per-IP limiters. Called periodically.
func (rl *RateLimitMiddleware) CleanupIPLimiters() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := len(rl.ipLimiters)
	rl.ipLimiters = make(map[string]*rate.Limiter)
	rl.logger.Debug("cleaned up IP rate limiters", zap.Int("count", n))
}

// IPLimiterCount returns the number of tracked client addresses.
func (rl *RateLimitMiddleware) IPLimiterCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.ipLimiters)
}
