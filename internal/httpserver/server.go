package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tutorwise/signals/internal/config"
	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/middleware"
	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/signals"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// HealthChecker is implemented by the database handles.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Health lists backends probed by /health, keyed by name.
	Health map[string]HealthChecker

	Issuer     *signals.Issuer
	Recorder   *signals.Recorder
	Aggregator *signals.Aggregator
	Reporting  *signals.ReportingService
}

// Server wraps HTTP handlers and signal services.
type Server struct {
	issuer     *signals.Issuer
	recorder   *signals.Recorder
	aggregator *signals.Aggregator
	reporting  *signals.ReportingService
	health     map[string]HealthChecker
	logger     *zap.Logger
	config     *config.Config
	metrics    *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		issuer:     deps.Issuer,
		recorder:   deps.Recorder,
		aggregator: deps.Aggregator,
		reporting:  deps.Reporting,
		health:     deps.Health,
		logger:     deps.Logger,
		config:     deps.Config,
		metrics:    deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		if deps.Gatherer != nil {
			mux.Handle(deps.Config.Metrics.Path, metrics.HandlerFor(deps.Gatherer))
		} else {
			mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
		}
	}

	// Ingest
	mux.HandleFunc("/signals/issue", s.handleIssue)
	mux.HandleFunc("/events", s.handleEvent)
	mux.HandleFunc("/conversions", s.handleConversion)

	// Journeys
	mux.HandleFunc("/journeys/", s.handleJourney)

	// Reporting
	mux.HandleFunc("/reports/performance", s.handlePerformance)
	mux.HandleFunc("/reports/funnel", s.handleFunnel)
	mux.HandleFunc("/reports/attribution", s.handleAttribution)
	mux.HandleFunc("/reports/attribution/compare", s.handleAttributionCompare)

	// Admin
	mux.HandleFunc("/admin/metrics/recompute/", s.handleRecompute)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, h := range s.health {
		if err := h.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("backend", name), zap.Error(err))
			status[name] = "unavailable"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Signal issuance ----

type issueRequest struct {
	DistributionRef string `json:"distribution_ref"`
	CurrentSignalID string `json:"current_signal_id"`
}

type issueResponse struct {
	SignalID        string             `json:"signal_id"`
	SourceClass     models.SourceClass `json:"source_class"`
	DistributionRef string             `json:"distribution_ref,omitempty"`
	IssuedAt        time.Time          `json:"issued_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	Reused          bool               `json:"reused"`
	Superseded      string             `json:"superseded,omitempty"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The body is optional; a bare POST from the page carries everything in
	// the query string and cookie.
	var req issueRequest
	if err := s.decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DistributionRef == "" {
		req.DistributionRef = r.URL.Query().Get(s.config.Signals.DistributionParam)
	}
	if req.CurrentSignalID == "" {
		req.CurrentSignalID = s.cookieSignal(r)
	}

	res, err := s.issuer.Issue(r.Context(), signals.EntryContext{
		DistributionRef: strings.TrimSpace(req.DistributionRef),
		CurrentSignalID: strings.TrimSpace(req.CurrentSignalID),
	})
	if err != nil {
		s.serviceError(w, "failed to issue signal", err)
		return
	}

	sig := res.Signal
	http.SetCookie(w, &http.Cookie{
		Name:     s.config.Signals.CookieName,
		Value:    sig.ID,
		Path:     "/",
		Domain:   s.config.Signals.CookieDomain,
		MaxAge:   int(sig.Remaining(time.Now()).Seconds()),
		Secure:   s.config.Signals.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	s.jsonResponse(w, issueResponse{
		SignalID:        sig.ID,
		SourceClass:     sig.SourceClass,
		DistributionRef: sig.DistributionRef,
		IssuedAt:        sig.IssuedAt,
		ExpiresAt:       sig.ExpiresAt,
		Reused:          res.Reused,
		Superseded:      res.Superseded,
	})
}

func (s *Server) cookieSignal(r *http.Request) string {
	c, err := r.Cookie(s.config.Signals.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// ---- Events ----

type eventRequest struct {
	EventID         string            `json:"event_id"`
	SignalID        string            `json:"signal_id"`
	ContentRef      string            `json:"content_ref"`
	TargetRef       string            `json:"target_ref"`
	EventType       string            `json:"event_type"`
	SourceComponent string            `json:"source_component"`
	Metadata        map[string]string `json:"metadata"`
	Value           float64           `json:"value"`
	OccurredAt      *time.Time        `json:"occurred_at"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := s.decode(w, r, &req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	s.record(w, r, req)
}

type conversionRequest struct {
	EventID    string            `json:"event_id"`
	SignalID   string            `json:"signal_id"`
	ContentRef string            `json:"content_ref"`
	BookingID  string            `json:"booking_id"`
	Value      float64           `json:"value"`
	Metadata   map[string]string `json:"metadata"`
	OccurredAt *time.Time        `json:"occurred_at"`
}

// handleConversion records a convert event on behalf of the booking flow.
func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req conversionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.BookingID == "" {
		s.errorResponse(w, "booking_id required", http.StatusBadRequest)
		return
	}

	s.record(w, r, eventRequest{
		EventID:         req.EventID,
		SignalID:        req.SignalID,
		ContentRef:      req.ContentRef,
		TargetRef:       req.BookingID,
		EventType:       string(models.EventConvert),
		SourceComponent: "booking",
		Metadata:        req.Metadata,
		Value:           req.Value,
		OccurredAt:      req.OccurredAt,
	})
}

func (s *Server) record(w http.ResponseWriter, r *http.Request, req eventRequest) {
	if req.SignalID == "" {
		req.SignalID = s.cookieSignal(r)
	}

	in := signals.RecordInput{
		EventID:         req.EventID,
		ContentRef:      req.ContentRef,
		TargetRef:       req.TargetRef,
		EventType:       req.EventType,
		SourceComponent: req.SourceComponent,
		SignalID:        req.SignalID,
		Metadata:        req.Metadata,
		Value:           req.Value,
		ClientIP:        middleware.ClientIP(r),
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}

	res, err := s.recorder.Record(r.Context(), in)
	if err != nil {
		s.serviceError(w, "failed to record event", err)
		return
	}

	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	s.jsonStatus(w, code, res)
}

// ---- Admin ----

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentRef := strings.TrimPrefix(r.URL.Path, "/admin/metrics/recompute/")
	if contentRef == "" {
		s.errorResponse(w, "content_ref required", http.StatusBadRequest)
		return
	}

	m, err := s.aggregator.Recompute(r.Context(), contentRef)
	if err != nil {
		s.serviceError(w, "failed to recompute metrics", err)
		return
	}

	s.jsonResponse(w, m)
}

// ---- Helper Methods ----

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// serviceError maps service errors to status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) serviceError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, signals.ErrInvalidEventKind),
		errors.Is(err, signals.ErrInvalidInput),
		errors.Is(err, signals.ErrUnknownModel):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, signals.ErrJourneyNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error(message, zap.Error(err))
		s.errorResponse(w, message, http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	s.jsonStatus(w, http.StatusOK, data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
