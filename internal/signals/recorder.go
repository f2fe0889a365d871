package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

// RecordInput is a touchpoint as reported by a content surface or the
// booking flow.
type RecordInput struct {
	// EventID is optional. When set it acts as an idempotency key.
	EventID         string
	ContentRef      string
	TargetRef       string
	EventType       string
	SourceComponent string
	SignalID        string
	Metadata        map[string]string
	// Value is the realized value of a convert event.
	Value float64
	// OccurredAt defaults to the time of the call.
	OccurredAt time.Time
	ClientIP   string
}

// RecordResult reports what was stored.
type RecordResult struct {
	EventID      string `json:"event_id"`
	ConversionID string `json:"conversion_id,omitempty"`
	Unattributed bool   `json:"unattributed"`
	// Duplicate is set when EventID was already recorded; nothing changed.
	Duplicate bool `json:"duplicate"`
	// MetricsUpdated is false when the rollup increment failed. The event
	// is stored regardless and the rollup can be rebuilt by Recompute.
	MetricsUpdated bool `json:"metrics_updated"`
}

// MetadataEnricher adds derived keys to event metadata.
type MetadataEnricher interface {
	Enrich(ip string, md map[string]string) map[string]string
}

// Recorder validates and appends events, then updates the rollups.
type Recorder struct {
	signals    storage.SignalRepo
	events     storage.EventLog
	aggregator *Aggregator
	enricher   MetadataEnricher
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewRecorder creates a recorder. enricher may be nil.
func NewRecorder(
	signals storage.SignalRepo,
	events storage.EventLog,
	aggregator *Aggregator,
	enricher MetadataEnricher,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Recorder {
	return &Recorder{
		signals:    signals,
		events:     events,
		aggregator: aggregator,
		enricher:   enricher,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Record stores one event.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*RecordResult, error) {
	start := time.Now()

	eventType, ok := models.ParseEventType(in.EventType)
	if !ok {
		r.reject("invalid_event_kind")
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventKind, in.EventType)
	}
	contentRef := strings.TrimSpace(in.ContentRef)
	if contentRef == "" {
		r.reject("missing_content_ref")
		return nil, fmt.Errorf("%w: content_ref is required", ErrInvalidInput)
	}
	if in.Value < 0 {
		r.reject("negative_value")
		return nil, fmt.Errorf("%w: value must not be negative", ErrInvalidInput)
	}

	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = r.now()
	}
	createdAt := models.StoredTime(occurred)

	ev := &models.SignalEvent{
		ID:              in.EventID,
		SignalID:        models.SomeSignal(strings.TrimSpace(in.SignalID)),
		ContentRef:      contentRef,
		TargetRef:       in.TargetRef,
		Type:            eventType,
		SourceComponent: in.SourceComponent,
		Metadata:        in.Metadata,
		CreatedAt:       createdAt,
	}
	if ev.ID == "" {
		ev.ID = newToken(eventPrefix)
	}
	if r.enricher != nil {
		ev.Metadata = r.enricher.Enrich(in.ClientIP, ev.Metadata)
	}

	if id, ok := ev.SignalID.Get(); ok {
		sig, err := r.signals.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve signal: %w", err)
		}
		ev.Unattributed = sig == nil || !sig.LiveAt(createdAt)
	}

	result := &RecordResult{EventID: ev.ID, Unattributed: ev.Unattributed}

	var (
		inserted bool
		err      error
		revenue  float64
	)
	if eventType == models.EventConvert {
		revenue = in.Value
		conv := &models.Conversion{
			ID:         newToken(conversionPrefix),
			EventID:    ev.ID,
			SignalID:   ev.SignalID,
			ContentRef: ev.ContentRef,
			TargetRef:  ev.TargetRef,
			Value:      in.Value,
			OccurredAt: createdAt,
		}
		inserted, err = r.events.AppendConversion(ctx, ev, conv)
		result.ConversionID = conv.ID
	} else {
		inserted, err = r.events.Append(ctx, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}

	if !inserted {
		result.Duplicate = true
		result.ConversionID = ""
		if r.metrics != nil {
			r.metrics.RecordDuplicate()
		}
		return result, nil
	}

	if err := r.aggregator.Upsert(ctx, ev.ContentRef, eventType, revenue); err != nil {
		r.logger.Error("failed to update content metrics",
			zap.String("event_id", ev.ID),
			zap.String("content_ref", ev.ContentRef),
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
		if r.metrics != nil {
			r.metrics.RecordRollupError(string(eventType))
		}
	} else {
		result.MetricsUpdated = true
	}

	if ev.Unattributed {
		r.logger.Debug("event recorded unattributed",
			zap.String("event_id", ev.ID),
			zap.String("signal_id", ev.SignalID.ID),
		)
	}
	if r.metrics != nil {
		r.metrics.RecordEvent(string(eventType), ev.InJourney(), time.Since(start))
		r.metrics.RecordConversionValue(revenue)
	}
	return result, nil
}

func (r *Recorder) reject(reason string) {
	if r.metrics != nil {
		r.metrics.RecordRejected(reason)
	}
}
