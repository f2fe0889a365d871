package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutorwise/signals/internal/models"
)

func seedReportingData(t *testing.T, f *fixture) {
	t.Helper()
	f.seedSignal(t, "J1", models.SourceOrganic, t0)
	f.seedSignal(t, "J2", models.SourceDistribution, t0)
	f.seedSignal(t, "J3", models.SourceOrganic, t0)

	// J1 goes all the way.
	f.record(t, t0, touch("J1", "article-a", "impression"))
	f.record(t, t0.Add(time.Minute), touch("J1", "article-a", "click"))
	f.record(t, t0.Add(2*time.Minute), touch("J1", "article-a", "save"))
	f.record(t, t0.Add(time.Hour), convert("J1", "booking", "B1", 40))

	// J2 clicks but never saves.
	f.record(t, t0, touch("J2", "article-a", "impression"))
	f.record(t, t0.Add(time.Minute), touch("J2", "article-b", "click"))
	f.record(t, t0.Add(2*time.Hour), convert("J2", "booking", "B2", 60))

	// J3 only sees an impression.
	f.record(t, t0, touch("J3", "article-b", "impression"))

	// Untracked traffic.
	f.record(t, t0, touch("", "article-b", "impression"))
}

func TestPerformanceSummaries(t *testing.T) {
	f := newFixture(t)
	seedReportingData(t, f)

	rows, err := f.reporting.PerformanceSummaries(f.ctx, PerformanceQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	a, b, booking := rows[0], rows[1], rows[2]
	assert.Equal(t, "article-a", a.ContentRef)
	assert.Equal(t, int64(2), a.Impressions)
	assert.Equal(t, int64(1), a.Clicks)
	assert.Equal(t, int64(1), a.Saves)
	assert.Equal(t, int64(2), a.UniqueSignals)
	assert.InDelta(t, 50.0, a.CTR, 1e-9)

	assert.Equal(t, "article-b", b.ContentRef)
	assert.Equal(t, int64(2), b.Impressions)
	assert.Equal(t, int64(2), b.UniqueSignals, "untracked traffic adds volume only")

	assert.Equal(t, "booking", booking.ContentRef)
	assert.Equal(t, int64(2), booking.Conversions)
	assert.Equal(t, 100.0, booking.Revenue)
}

func TestPerformanceSummariesSortAndLimit(t *testing.T) {
	f := newFixture(t)
	seedReportingData(t, f)

	rows, err := f.reporting.PerformanceSummaries(f.ctx, PerformanceQuery{SortBy: "revenue", Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "booking", rows[0].ContentRef)

	rows, err = f.reporting.PerformanceSummaries(f.ctx, PerformanceQuery{SortBy: "clicks"})
	require.NoError(t, err)
	assert.Equal(t, []string{"article-a", "article-b", "booking"}, []string{rows[0].ContentRef, rows[1].ContentRef, rows[2].ContentRef})

	_, err = f.reporting.PerformanceSummaries(f.ctx, PerformanceQuery{SortBy: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFunnel(t *testing.T) {
	f := newFixture(t)
	seedReportingData(t, f)

	report, err := f.reporting.Funnel(f.ctx, FunnelQuery{})
	require.NoError(t, err)

	assert.Equal(t, []FunnelStage{
		{Stage: StageImpression, Volume: 4, Journeys: 3},
		{Stage: StageInteraction, Volume: 2, Journeys: 2, RateFromPrevious: percent(2, 3)},
		{Stage: StageSave, Volume: 1, Journeys: 1, RateFromPrevious: 50},
		{Stage: StageConvert, Volume: 2, Journeys: 1, RateFromPrevious: 100},
	}, report.Stages)
}

func TestFunnelScopedToContent(t *testing.T) {
	f := newFixture(t)
	seedReportingData(t, f)

	report, err := f.reporting.Funnel(f.ctx, FunnelQuery{ContentRef: "article-b"})
	require.NoError(t, err)

	// Journeys touching article-b: J2 and J3.
	assert.Equal(t, "article-b", report.ContentRef)
	assert.Equal(t, int64(2), report.Stages[0].Journeys)
	assert.Equal(t, int64(1), report.Stages[1].Journeys)
	assert.Equal(t, int64(0), report.Stages[2].Journeys)
	assert.Equal(t, int64(2), report.Stages[0].Volume)
	assert.Equal(t, int64(1), report.Stages[1].Volume)
}

func TestJourneyDetail(t *testing.T) {
	f := newFixture(t)
	seedReportingData(t, f)

	view, err := f.reporting.JourneyDetail(f.ctx, "J2")
	require.NoError(t, err)
	assert.True(t, view.Found)
	require.Len(t, view.Steps, 3)
	assert.Equal(t, models.EventImpression, view.Steps[0].EventType)
	assert.Equal(t, 60.0, view.Steps[1].SecondsSinceFirst)
	assert.Equal(t, models.EventConvert, view.Steps[2].EventType)
	assert.Equal(t, models.SourceDistribution, view.Signal.SourceClass)
}

func TestJourneyDetailNotFound(t *testing.T) {
	f := newFixture(t)

	view, err := f.reporting.JourneyDetail(f.ctx, "nonexistent-id")
	require.NoError(t, err)
	assert.False(t, view.Found)
	assert.Empty(t, view.Steps)
}

func TestAttributionReport(t *testing.T) {
	f := newFixture(t)
	seedReportingData(t, f)
	f.clock.Set(t0.Add(24 * time.Hour))

	report, err := f.reporting.Attribution(f.ctx, AttributionQuery{Model: models.ModelLastTouch})
	require.NoError(t, err)

	assert.Equal(t, 30, report.WindowDays)
	assert.Equal(t, t0.Add(24*time.Hour).AddDate(0, 0, -30), report.Since)
	assert.Equal(t, ModelSummary{
		Model:                 models.ModelLastTouch,
		AttributedContent:     2,
		AttributedConversions: 2,
		AttributedRevenue:     100,
	}, report.Summary)
	require.Len(t, report.Credits, 2)
}

func TestAttributionReportDefaultsToLinear(t *testing.T) {
	f := newFixture(t)

	report, err := f.reporting.Attribution(f.ctx, AttributionQuery{})
	require.NoError(t, err)
	assert.Equal(t, models.ModelLinear, report.Model)
	assert.NotNil(t, report.Credits)
	assert.Empty(t, report.Credits)
}
