package signals

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/storage"
)

// Reconstructor rebuilds journeys from the event log. It is read only.
type Reconstructor struct {
	events  storage.EventLog
	signals storage.SignalRepo
	metrics *metrics.Metrics
}

// NewReconstructor creates a reconstructor.
func NewReconstructor(events storage.EventLog, signals storage.SignalRepo, m *metrics.Metrics) *Reconstructor {
	return &Reconstructor{events: events, signals: signals, metrics: m}
}

// Reconstruct returns the attributed events of signalID ordered by
// created_at, ties broken by event id. It returns ErrJourneyNotFound when
// there are none.
func (r *Reconstructor) Reconstruct(ctx context.Context, signalID string) (*models.Journey, error) {
	start := time.Now()
	if signalID == "" {
		return nil, fmt.Errorf("%w: empty signal id", ErrJourneyNotFound)
	}

	events, err := r.events.ListBySignal(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journey %s: %w", signalID, err)
	}

	kept := events[:0]
	for _, ev := range events {
		if ev.InJourney() {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJourneyNotFound, signalID)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })

	sig, err := r.signals.Get(ctx, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal %s: %w", signalID, err)
	}

	first := kept[0].CreatedAt
	journey := &models.Journey{
		SignalID: signalID,
		Signal:   sig,
		Steps:    make([]models.JourneyStep, len(kept)),
	}
	for i, ev := range kept {
		journey.Steps[i] = models.JourneyStep{Event: ev, TimeSinceFirst: ev.CreatedAt.Sub(first)}
	}

	if r.metrics != nil {
		r.metrics.RecordJourney(len(kept), time.Since(start))
	}
	return journey, nil
}
