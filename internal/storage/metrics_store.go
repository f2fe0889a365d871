package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutorwise/signals/internal/models"
)

// InMemoryMetricsStore keeps content rollups in a mutex-guarded map.
type InMemoryMetricsStore struct {
	mu      sync.Mutex
	metrics map[string]*models.ContentMetrics
}

// NewInMemoryMetricsStore creates an empty in-memory metrics store.
func NewInMemoryMetricsStore() *InMemoryMetricsStore {
	return &InMemoryMetricsStore{metrics: make(map[string]*models.ContentMetrics)}
}

func (s *InMemoryMetricsStore) Increment(ctx context.Context, contentRef string, t models.EventType, revenueDelta float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[contentRef]
	if !ok {
		m = &models.ContentMetrics{ContentRef: contentRef}
		s.metrics[contentRef] = m
	}
	m.Add(t, 1)
	m.AttributedRevenue += revenueDelta
	if at.After(m.LastUpdatedAt) {
		m.LastUpdatedAt = at
	}
	return nil
}

func (s *InMemoryMetricsStore) Get(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[contentRef]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryMetricsStore) List(ctx context.Context, limit int) ([]*models.ContentMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.ContentMetrics, 0, len(s.metrics))
	for _, m := range s.metrics {
		cp := *m
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ContentRef < result[j].ContentRef })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryMetricsStore) Overwrite(ctx context.Context, m *models.ContentMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.metrics[m.ContentRef] = &cp
	return nil
}
