package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tutorwise/signals/internal/models"
)

// ErrDuplicateSignal is returned when a signal token is already taken.
var ErrDuplicateSignal = errors.New("signal identifier already exists")

// =============================================
// SIGNAL REPOSITORY
// =============================================

// SignalRepo stores issued signal identifiers.
type SignalRepo interface {
	// Save inserts a new identifier. It returns ErrDuplicateSignal if the
	// token already exists; identifiers are never overwritten.
	Save(ctx context.Context, s *models.SignalIdentifier) error
	// Get returns the identifier or nil if it is unknown.
	Get(ctx context.Context, id string) (*models.SignalIdentifier, error)
}

// =============================================
// EVENT LOG
// =============================================

// EventLog is the append-only store of signal events. It is the source of
// truth every derived structure is rebuilt from.
type EventLog interface {
	// Append stores ev. It reports false if an event with the same id was
	// already recorded.
	Append(ctx context.Context, ev *models.SignalEvent) (bool, error)
	// AppendConversion stores a convert event together with its value row.
	AppendConversion(ctx context.Context, ev *models.SignalEvent, conv *models.Conversion) (bool, error)

	// ListBySignal returns the journey events for a signal: attributed
	// events only, ordered by created_at then event id.
	ListBySignal(ctx context.Context, signalID string) ([]*models.SignalEvent, error)

	// CountByContent recounts all events for a content item, attributed or
	// not, together with the conversion revenue.
	CountByContent(ctx context.Context, contentRef string) (*models.ContentMetrics, error)
	// DistinctSignals returns the number of distinct attributed signals
	// per content ref.
	DistinctSignals(ctx context.Context, contentRefs []string) (map[string]int64, error)
	// ContentRefs pages through known content refs in ascending order.
	ContentRefs(ctx context.Context, after string, limit int) ([]string, error)

	// ListConversions returns conversions that occurred in the filter range.
	ListConversions(ctx context.Context, filter ConversionFilter) ([]*models.Conversion, error)
	// JourneyStages returns, per attributed signal, the set of event types
	// seen in its journey.
	JourneyStages(ctx context.Context, filter StageFilter) (map[string][]models.EventType, error)
}

// ConversionFilter bounds conversion listing by occurrence time.
// Zero times are unbounded, and a Limit of zero or less returns every
// match.
type ConversionFilter struct {
	Since time.Time
	Until time.Time
	Limit int
}

// StageFilter scopes funnel stage queries. When ContentRef is set only
// journeys that touched that content are included.
type StageFilter struct {
	ContentRef string
	Since      time.Time
	Until      time.Time
}

// =============================================
// METRICS STORE
// =============================================

// MetricsStore holds the per-content rollups.
type MetricsStore interface {
	// Increment atomically adds one to the counter for t and adds
	// revenueDelta to the revenue.
	Increment(ctx context.Context, contentRef string, t models.EventType, revenueDelta float64, at time.Time) error
	// Get returns the rollup or nil if none exists.
	Get(ctx context.Context, contentRef string) (*models.ContentMetrics, error)
	// List returns up to limit rollups ordered by content ref. A limit of
	// zero or less returns all.
	List(ctx context.Context, limit int) ([]*models.ContentMetrics, error)
	// Overwrite replaces the rollup wholesale. Used by repair only.
	Overwrite(ctx context.Context, m *models.ContentMetrics) error
}

func rangeBounds(since, until time.Time) (time.Time, time.Time) {
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	if until.IsZero() {
		until = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return since, until
}
