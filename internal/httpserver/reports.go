package httpserver

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/signals"
)

// ---- Journeys ----

func (s *Server) handleJourney(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	signalID := strings.TrimPrefix(r.URL.Path, "/journeys/")
	if signalID == "" || strings.Contains(signalID, "/") {
		s.errorResponse(w, "signal_id required", http.StatusBadRequest)
		return
	}

	view, err := s.reporting.JourneyDetail(r.Context(), signalID)
	if err != nil {
		s.serviceError(w, "failed to load journey", err)
		return
	}
	if !view.Found {
		s.jsonStatus(w, http.StatusNotFound, view)
		return
	}

	s.jsonResponse(w, view)
}

// ---- Reporting ----

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.reporting.PerformanceSummaries(r.Context(), signals.PerformanceQuery{
		SortBy: q.Get("sort_by"),
		Limit:  limit,
	})
	if err != nil {
		s.serviceError(w, "failed to get performance summaries", err)
		return
	}

	s.jsonResponse(w, map[string]interface{}{"content": rows})
}

func (s *Server) handleFunnel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	since, until, err := timeRange(q)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := s.reporting.Funnel(r.Context(), signals.FunnelQuery{
		ContentRef: q.Get("content_ref"),
		Since:      since,
		Until:      until,
	})
	if err != nil {
		s.serviceError(w, "failed to build funnel", err)
		return
	}

	s.jsonResponse(w, report)
}

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query, ok := s.attributionQuery(w, r)
	if !ok {
		return
	}

	report, err := s.reporting.Attribution(r.Context(), query)
	if err != nil {
		s.serviceError(w, "failed to compute attribution", err)
		return
	}

	s.jsonResponse(w, report)
}

func (s *Server) handleAttributionCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query, ok := s.attributionQuery(w, r)
	if !ok {
		return
	}

	cmp, err := s.reporting.CompareModels(r.Context(), query)
	if err != nil {
		s.serviceError(w, "failed to compare attribution models", err)
		return
	}

	s.jsonResponse(w, cmp)
}

func (s *Server) attributionQuery(w http.ResponseWriter, r *http.Request) (signals.AttributionQuery, bool) {
	q := r.URL.Query()

	windowDays, err := intParam(q, "window_days")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return signals.AttributionQuery{}, false
	}
	since, until, err := timeRange(q)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return signals.AttributionQuery{}, false
	}

	query := signals.AttributionQuery{WindowDays: windowDays, Since: since, Until: until}
	if raw := q.Get("model"); raw != "" {
		model, ok := models.ParseAttributionModel(raw)
		if !ok {
			s.errorResponse(w, "unknown attribution model: "+raw, http.StatusBadRequest)
			return signals.AttributionQuery{}, false
		}
		query.Model = model
	}
	return query, true
}

type paramError string

func (e paramError) Error() string { return string(e) }

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, paramError("invalid " + name)
	}
	return n, nil
}

// timeRange parses since/until as RFC 3339 timestamps or YYYY-MM-DD dates.
func timeRange(q url.Values) (time.Time, time.Time, error) {
	since, err := timeParam(q, "since")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	until, err := timeParam(q, "until")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !since.IsZero() && !until.IsZero() && !since.Before(until) {
		return time.Time{}, time.Time{}, paramError("since must be before until")
	}
	return since, until, nil
}

func timeParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, paramError("invalid " + name)
}
