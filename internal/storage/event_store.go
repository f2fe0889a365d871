package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/tutorwise/signals/internal/models"
)

// InMemoryEventLog provides in-memory storage for signal events.
type InMemoryEventLog struct {
	mu          sync.RWMutex
	events      map[string]*models.SignalEvent
	conversions map[string]*models.Conversion // event_id -> conversion

	// Indexes for faster lookups
	bySignal  map[string][]string // signal_id -> []event_id (attributed only)
	byContent map[string][]string // content_ref -> []event_id
}

// NewInMemoryEventLog creates a new in-memory event log.
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{
		events:      make(map[string]*models.SignalEvent),
		conversions: make(map[string]*models.Conversion),
		bySignal:    make(map[string][]string),
		byContent:   make(map[string][]string),
	}
}

// =============================================
// Appends
// =============================================

func (s *InMemoryEventLog) Append(ctx context.Context, ev *models.SignalEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(ev), nil
}

func (s *InMemoryEventLog) AppendConversion(ctx context.Context, ev *models.SignalEvent, conv *models.Conversion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.appendLocked(ev) {
		return false, nil
	}
	cp := *conv
	s.conversions[ev.ID] = &cp
	return true, nil
}

func (s *InMemoryEventLog) appendLocked(ev *models.SignalEvent) bool {
	if _, exists := s.events[ev.ID]; exists {
		return false
	}

	cp := *ev
	if ev.Metadata != nil {
		cp.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.events[cp.ID] = &cp

	s.byContent[cp.ContentRef] = append(s.byContent[cp.ContentRef], cp.ID)
	if cp.InJourney() {
		s.bySignal[cp.SignalID.ID] = append(s.bySignal[cp.SignalID.ID], cp.ID)
	}
	return true
}

// =============================================
// Journeys
// =============================================

func (s *InMemoryEventLog) ListBySignal(ctx context.Context, signalID string) ([]*models.SignalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySignal[signalID]
	result := make([]*models.SignalEvent, 0, len(ids))
	for _, id := range ids {
		cp := *s.events[id]
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result, nil
}

func (s *InMemoryEventLog) JourneyStages(ctx context.Context, filter StageFilter) (map[string][]models.EventType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since, until := rangeBounds(filter.Since, filter.Until)

	var scope map[string]bool
	if filter.ContentRef != "" {
		scope = make(map[string]bool)
		for _, id := range s.byContent[filter.ContentRef] {
			if ev := s.events[id]; ev.InJourney() {
				scope[ev.SignalID.ID] = true
			}
		}
	}

	result := make(map[string][]models.EventType)
	for signalID, ids := range s.bySignal {
		if scope != nil && !scope[signalID] {
			continue
		}
		seen := make(map[models.EventType]bool)
		for _, id := range ids {
			ev := s.events[id]
			if ev.CreatedAt.Before(since) || !ev.CreatedAt.Before(until) {
				continue
			}
			seen[ev.Type] = true
		}
		if len(seen) == 0 {
			continue
		}
		types := make([]models.EventType, 0, len(seen))
		for _, t := range models.EventTypes {
			if seen[t] {
				types = append(types, t)
			}
		}
		result[signalID] = types
	}
	return result, nil
}

// =============================================
// Aggregations
// =============================================

func (s *InMemoryEventLog) CountByContent(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &models.ContentMetrics{ContentRef: contentRef}
	for _, id := range s.byContent[contentRef] {
		ev := s.events[id]
		m.Add(ev.Type, 1)
		if conv, ok := s.conversions[id]; ok {
			m.AttributedRevenue += conv.Value
		}
		if ev.CreatedAt.After(m.LastUpdatedAt) {
			m.LastUpdatedAt = ev.CreatedAt
		}
	}
	return m, nil
}

func (s *InMemoryEventLog) DistinctSignals(ctx context.Context, contentRefs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int64, len(contentRefs))
	for _, ref := range contentRefs {
		seen := make(map[string]bool)
		for _, id := range s.byContent[ref] {
			if ev := s.events[id]; ev.InJourney() {
				seen[ev.SignalID.ID] = true
			}
		}
		result[ref] = int64(len(seen))
	}
	return result, nil
}

func (s *InMemoryEventLog) ContentRefs(ctx context.Context, after string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]string, 0, len(s.byContent))
	for ref := range s.byContent {
		if ref > after {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// =============================================
// Conversions
// =============================================

func (s *InMemoryEventLog) ListConversions(ctx context.Context, filter ConversionFilter) ([]*models.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since, until := rangeBounds(filter.Since, filter.Until)

	result := make([]*models.Conversion, 0)
	for _, conv := range s.conversions {
		if conv.OccurredAt.Before(since) || !conv.OccurredAt.Before(until) {
			continue
		}
		cp := *conv
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
