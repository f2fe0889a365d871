package storage

import (
	"context"
	"sync"

	"github.com/tutorwise/signals/internal/models"
)

// InMemorySignalRepo stores signal identifiers in memory.
type InMemorySignalRepo struct {
	mu      sync.RWMutex
	signals map[string]*models.SignalIdentifier
}

// NewInMemorySignalRepo creates an empty in-memory signal repository.
func NewInMemorySignalRepo() *InMemorySignalRepo {
	return &InMemorySignalRepo{signals: make(map[string]*models.SignalIdentifier)}
}

func (r *InMemorySignalRepo) Save(ctx context.Context, s *models.SignalIdentifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.signals[s.ID]; exists {
		return ErrDuplicateSignal
	}
	cp := *s
	r.signals[s.ID] = &cp
	return nil
}

func (r *InMemorySignalRepo) Get(ctx context.Context, id string) (*models.SignalIdentifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.signals[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}
