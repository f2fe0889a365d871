package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

// Aggregator owns all writes to the content rollups.
type Aggregator struct {
	store  storage.MetricsStore
	events storage.EventLog
	logger *zap.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator that repairs from events.
func NewAggregator(store storage.MetricsStore, events storage.EventLog, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Upsert atomically increments the counter for t and adds revenueDelta.
func (a *Aggregator) Upsert(ctx context.Context, contentRef string, t models.EventType, revenueDelta float64) error {
	return a.store.Increment(ctx, contentRef, t, revenueDelta, a.now().UTC())
}

// Get returns the rollup for contentRef, or nil.
func (a *Aggregator) Get(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	return a.store.Get(ctx, contentRef)
}

// Recompute recounts contentRef from the event log and overwrites its
// rollup.
func (a *Aggregator) Recompute(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	recount, err := a.events.CountByContent(ctx, contentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to recount %s: %w", contentRef, err)
	}
	recount.LastUpdatedAt = a.now().UTC()

	if err := a.store.Overwrite(ctx, recount); err != nil {
		return nil, fmt.Errorf("failed to overwrite %s: %w", contentRef, err)
	}

	a.logger.Info("content metrics recomputed",
		zap.String("content_ref", contentRef),
		zap.Int64("impressions", recount.Impressions),
		zap.Int64("clicks", recount.Clicks),
		zap.Int64("saves", recount.Saves),
		zap.Int64("conversions", recount.Conversions),
		zap.Float64("revenue", recount.AttributedRevenue),
	)
	return recount, nil
}

// DriftReport compares a stored rollup with a recount.
type DriftReport struct {
	ContentRef string                 `json:"content_ref"`
	Stored     *models.ContentMetrics `json:"stored"`
	Recounted  *models.ContentMetrics `json:"recounted"`
}

// CheckDrift compares the stored rollup with a recount of the event log.
// It returns the report together with ErrMetricsDrift when they differ.
func (a *Aggregator) CheckDrift(ctx context.Context, contentRef string) (*DriftReport, error) {
	stored, err := a.store.Get(ctx, contentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics for %s: %w", contentRef, err)
	}
	if stored == nil {
		stored = &models.ContentMetrics{ContentRef: contentRef}
	}

	recount, err := a.events.CountByContent(ctx, contentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to recount %s: %w", contentRef, err)
	}

	report := &DriftReport{ContentRef: contentRef, Stored: stored, Recounted: recount}
	if !stored.SameCounts(recount) {
		return report, fmt.Errorf("%w: %s", ErrMetricsDrift, contentRef)
	}
	return report, nil
}
