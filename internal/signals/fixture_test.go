package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Set(t time.Time)         { c.now = t }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	ctx   context.Context
	clock *fakeClock

	signalRepo   *storage.InMemorySignalRepo
	events       *storage.InMemoryEventLog
	metricsStore *storage.InMemoryMetricsStore

	issuer     *Issuer
	aggregator *Aggregator
	recorder   *Recorder
	journeys   *Reconstructor
	calculator *Calculator
	reporting  *ReportingService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	clock := &fakeClock{now: t0}

	f := &fixture{
		ctx:          context.Background(),
		clock:        clock,
		signalRepo:   storage.NewInMemorySignalRepo(),
		events:       storage.NewInMemoryEventLog(),
		metricsStore: storage.NewInMemoryMetricsStore(),
	}

	f.issuer = NewIssuer(f.signalRepo, 7*24*time.Hour, 30*24*time.Hour, logger, nil)
	f.issuer.now = clock.Now
	f.aggregator = NewAggregator(f.metricsStore, f.events, logger)
	f.aggregator.now = clock.Now
	f.recorder = NewRecorder(f.signalRepo, f.events, f.aggregator, nil, logger, nil)
	f.recorder.now = clock.Now
	f.journeys = NewReconstructor(f.events, f.signalRepo, nil)
	f.calculator = NewCalculator(f.journeys, 4, logger, nil)
	f.reporting = NewReportingService(f.metricsStore, f.events, f.journeys, f.calculator, 30, logger)
	f.reporting.now = clock.Now
	return f
}

// seedSignal stores an identifier with a readable id.
func (f *fixture) seedSignal(t *testing.T, id string, class models.SourceClass, issuedAt time.Time) *models.SignalIdentifier {
	t.Helper()
	ttl := 30 * 24 * time.Hour
	if class == models.SourceDistribution {
		ttl = 7 * 24 * time.Hour
	}
	sig := &models.SignalIdentifier{
		ID:          id,
		SourceClass: class,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.Add(ttl),
	}
	require.NoError(t, f.signalRepo.Save(f.ctx, sig))
	return sig
}

// record stores an event at the given time.
func (f *fixture) record(t *testing.T, at time.Time, in RecordInput) *RecordResult {
	t.Helper()
	f.clock.Set(at)
	res, err := f.recorder.Record(f.ctx, in)
	require.NoError(t, err)
	return res
}

func (f *fixture) conversions(t *testing.T) []*models.Conversion {
	t.Helper()
	convs, err := f.events.ListConversions(f.ctx, storage.ConversionFilter{})
	require.NoError(t, err)
	return convs
}

func touch(signalID, contentRef, eventType string) RecordInput {
	return RecordInput{
		SignalID:        signalID,
		ContentRef:      contentRef,
		EventType:       eventType,
		SourceComponent: "article_embed",
	}
}

func convert(signalID, contentRef, bookingID string, value float64) RecordInput {
	return RecordInput{
		SignalID:        signalID,
		ContentRef:      contentRef,
		TargetRef:       bookingID,
		EventType:       "convert",
		SourceComponent: "checkout",
		Value:           value,
	}
}
