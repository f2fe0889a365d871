package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

// ReportingService composes the read views consumed by dashboards.
type ReportingService struct {
	metrics           storage.MetricsStore
	events            storage.EventLog
	journeys          *Reconstructor
	calculator        *Calculator
	defaultWindowDays int
	logger            *zap.Logger
	now               func() time.Time
}

// NewReportingService creates a reporting service.
func NewReportingService(
	metricsStore storage.MetricsStore,
	events storage.EventLog,
	journeys *Reconstructor,
	calculator *Calculator,
	defaultWindowDays int,
	logger *zap.Logger,
) *ReportingService {
	return &ReportingService{
		metrics:           metricsStore,
		events:            events,
		journeys:          journeys,
		calculator:        calculator,
		defaultWindowDays: defaultWindowDays,
		logger:            logger,
		now:               time.Now,
	}
}

// =============================================
// Performance summaries
// =============================================

// PerformanceSummary is the per-content view of the rollups.
type PerformanceSummary struct {
	ContentRef    string    `json:"content_ref"`
	Impressions   int64     `json:"impressions"`
	Clicks        int64     `json:"clicks"`
	Saves         int64     `json:"saves"`
	Conversions   int64     `json:"conversions"`
	UniqueSignals int64     `json:"unique_signals"`
	Revenue       float64   `json:"revenue"`
	CTR           float64   `json:"ctr"` // clicks / impressions (%)
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// PerformanceQuery sorts and limits summaries. SortBy is one of
// content_ref (default), impressions, clicks, saves, conversions,
// unique_signals or revenue; numeric sorts are descending.
type PerformanceQuery struct {
	SortBy string
	Limit  int
}

var summarySorts = map[string]func(a, b *PerformanceSummary) bool{
	"content_ref":    func(a, b *PerformanceSummary) bool { return a.ContentRef < b.ContentRef },
	"impressions":    func(a, b *PerformanceSummary) bool { return a.Impressions > b.Impressions },
	"clicks":         func(a, b *PerformanceSummary) bool { return a.Clicks > b.Clicks },
	"saves":          func(a, b *PerformanceSummary) bool { return a.Saves > b.Saves },
	"conversions":    func(a, b *PerformanceSummary) bool { return a.Conversions > b.Conversions },
	"unique_signals": func(a, b *PerformanceSummary) bool { return a.UniqueSignals > b.UniqueSignals },
	"revenue":        func(a, b *PerformanceSummary) bool { return a.Revenue > b.Revenue },
}

// PerformanceSummaries returns one row per content item with rollup
// counters and the distinct attributed signal count.
func (s *ReportingService) PerformanceSummaries(ctx context.Context, q PerformanceQuery) ([]PerformanceSummary, error) {
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "content_ref"
	}
	less, ok := summarySorts[sortBy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrInvalidInput, sortBy)
	}

	rollups, err := s.metrics.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list content metrics: %w", err)
	}

	refs := make([]string, len(rollups))
	for i, m := range rollups {
		refs[i] = m.ContentRef
	}
	unique, err := s.events.DistinctSignals(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to count signals: %w", err)
	}

	out := make([]PerformanceSummary, len(rollups))
	for i, m := range rollups {
		out[i] = PerformanceSummary{
			ContentRef:    m.ContentRef,
			Impressions:   m.Impressions,
			Clicks:        m.Clicks,
			Saves:         m.Saves,
			Conversions:   m.Conversions,
			UniqueSignals: unique[m.ContentRef],
			Revenue:       m.AttributedRevenue,
			CTR:           percent(m.Clicks, m.Impressions),
			LastUpdatedAt: m.LastUpdatedAt,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		return a.ContentRef < b.ContentRef
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func percent(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

// =============================================
// Funnel
// =============================================

// Funnel stage names, in order.
const (
	StageImpression  = "impression"
	StageInteraction = "interaction"
	StageSave        = "save"
	StageConvert     = "convert"
)

var funnelStages = []struct {
	name string
	t    models.EventType
}{
	{StageImpression, models.EventImpression},
	{StageInteraction, models.EventClick},
	{StageSave, models.EventSave},
	{StageConvert, models.EventConvert},
}

// FunnelQuery scopes a funnel. Zero times are unbounded.
type FunnelQuery struct {
	ContentRef string
	Since      time.Time
	Until      time.Time
}

// FunnelStage counts one stage. Volume is the raw event count from the
// rollups; Journeys counts journeys that reached this stage and every
// stage before it.
type FunnelStage struct {
	Stage            string  `json:"stage"`
	Volume           int64   `json:"volume"`
	Journeys         int64   `json:"journeys"`
	RateFromPrevious float64 `json:"rate_from_previous"`
}

// FunnelReport is the ordered list of stages.
type FunnelReport struct {
	ContentRef string        `json:"content_ref,omitempty"`
	Stages     []FunnelStage `json:"stages"`
}

// Funnel counts impression, interaction, save and convert as sequential
// filters over attributed journeys.
func (s *ReportingService) Funnel(ctx context.Context, q FunnelQuery) (*FunnelReport, error) {
	volume, err := s.volume(ctx, q.ContentRef)
	if err != nil {
		return nil, err
	}

	stages, err := s.events.JourneyStages(ctx, storage.StageFilter{
		ContentRef: q.ContentRef,
		Since:      q.Since,
		Until:      q.Until,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load journey stages: %w", err)
	}

	reached := make([]int64, len(funnelStages))
	for _, types := range stages {
		seen := make(map[models.EventType]bool, len(types))
		for _, t := range types {
			seen[t] = true
		}
		for i, st := range funnelStages {
			if !seen[st.t] {
				break
			}
			reached[i]++
		}
	}

	report := &FunnelReport{ContentRef: q.ContentRef, Stages: make([]FunnelStage, len(funnelStages))}
	for i, st := range funnelStages {
		stage := FunnelStage{
			Stage:    st.name,
			Volume:   volume.Count(st.t),
			Journeys: reached[i],
		}
		if i > 0 {
			stage.RateFromPrevious = percent(reached[i], reached[i-1])
		}
		report.Stages[i] = stage
	}
	return report, nil
}

func (s *ReportingService) volume(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	total := &models.ContentMetrics{ContentRef: contentRef}
	if contentRef != "" {
		m, err := s.metrics.Get(ctx, contentRef)
		if err != nil {
			return nil, fmt.Errorf("failed to load content metrics: %w", err)
		}
		if m != nil {
			total = m
		}
		return total, nil
	}

	all, err := s.metrics.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list content metrics: %w", err)
	}
	for _, m := range all {
		for _, t := range models.EventTypes {
			total.Add(t, m.Count(t))
		}
		total.AttributedRevenue += m.AttributedRevenue
	}
	return total, nil
}

// =============================================
// Journey detail
// =============================================

// JourneyStepView is one event of a journey as shown to humans.
type JourneyStepView struct {
	EventID           string            `json:"event_id"`
	ContentRef        string            `json:"content_ref"`
	TargetRef         string            `json:"target_ref"`
	EventType         models.EventType  `json:"event_type"`
	SourceComponent   string            `json:"source_component"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	SecondsSinceFirst float64           `json:"seconds_since_first"`
}

// JourneyView is the typed result of a journey lookup. Found is false when
// the signal has no attributed events.
type JourneyView struct {
	SignalID string                   `json:"signal_id"`
	Found    bool                     `json:"found"`
	Signal   *models.SignalIdentifier `json:"signal,omitempty"`
	Steps    []JourneyStepView        `json:"steps"`
}

// JourneyDetail reconstructs a journey for display. A missing journey is
// not an error.
func (s *ReportingService) JourneyDetail(ctx context.Context, signalID string) (*JourneyView, error) {
	view := &JourneyView{SignalID: signalID, Steps: []JourneyStepView{}}

	journey, err := s.journeys.Reconstruct(ctx, signalID)
	if errors.Is(err, ErrJourneyNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}

	view.Found = true
	view.Signal = journey.Signal
	view.Steps = make([]JourneyStepView, len(journey.Steps))
	for i, step := range journey.Steps {
		ev := step.Event
		view.Steps[i] = JourneyStepView{
			EventID:           ev.ID,
			ContentRef:        ev.ContentRef,
			TargetRef:         ev.TargetRef,
			EventType:         ev.Type,
			SourceComponent:   ev.SourceComponent,
			Metadata:          ev.Metadata,
			CreatedAt:         ev.CreatedAt,
			SecondsSinceFirst: step.TimeSinceFirst.Seconds(),
		}
	}
	return view, nil
}

// =============================================
// Attribution
// =============================================

// AttributionQuery selects conversions by occurrence time. A zero Since
// defaults to the configured lookback before now.
type AttributionQuery struct {
	WindowDays int
	Model      models.AttributionModel
	Since      time.Time
	Until      time.Time
}

// ModelSummary is one row of an attribution comparison.
type ModelSummary struct {
	Model                 models.AttributionModel `json:"model_type"`
	AttributedContent     int                     `json:"attributed_content"`
	AttributedConversions int                     `json:"attributed_conversions"`
	AttributedRevenue     float64                 `json:"attributed_revenue"`
}

// AttributionReport holds the credits of one model.
type AttributionReport struct {
	Model      models.AttributionModel    `json:"model_type"`
	WindowDays int                        `json:"window_days"`
	Since      time.Time                  `json:"since"`
	Until      time.Time                  `json:"until"`
	Summary    ModelSummary               `json:"summary"`
	Credits    []models.AttributionCredit `json:"credits"`
}

// AttributionComparison presents every model side by side over the same
// conversions.
type AttributionComparison struct {
	WindowDays          int            `json:"window_days"`
	Since               time.Time      `json:"since"`
	Until               time.Time      `json:"until"`
	TotalConversions    int            `json:"total_conversions"`
	ExcludedConversions int            `json:"excluded_conversions"`
	Models              []ModelSummary `json:"models"`
}

// Attribution runs one model over the selected conversions.
func (s *ReportingService) Attribution(ctx context.Context, q AttributionQuery) (*AttributionReport, error) {
	q = s.withDefaults(q)
	if q.Model == "" {
		q.Model = models.ModelLinear
	}

	conversions, err := s.conversions(ctx, q)
	if err != nil {
		return nil, err
	}
	credits, err := s.calculator.Attribute(ctx, conversions, q.WindowDays, q.Model)
	if err != nil {
		return nil, err
	}
	if credits == nil {
		credits = []models.AttributionCredit{}
	}

	return &AttributionReport{
		Model:      q.Model,
		WindowDays: q.WindowDays,
		Since:      q.Since,
		Until:      q.Until,
		Summary:    summarize(q.Model, credits),
		Credits:    credits,
	}, nil
}

// CompareModels runs every model over the same conversions.
func (s *ReportingService) CompareModels(ctx context.Context, q AttributionQuery) (*AttributionComparison, error) {
	q = s.withDefaults(q)

	conversions, err := s.conversions(ctx, q)
	if err != nil {
		return nil, err
	}

	cmp := &AttributionComparison{
		WindowDays:       q.WindowDays,
		Since:            q.Since,
		Until:            q.Until,
		TotalConversions: len(conversions),
	}
	for _, model := range models.AttributionModels {
		credits, err := s.calculator.Attribute(ctx, conversions, q.WindowDays, model)
		if err != nil {
			return nil, err
		}
		row := summarize(model, credits)
		cmp.Models = append(cmp.Models, row)
		cmp.ExcludedConversions = cmp.TotalConversions - row.AttributedConversions
	}

	s.logger.Debug("attribution models compared",
		zap.Int("window_days", q.WindowDays),
		zap.Int("conversions", cmp.TotalConversions),
		zap.Int("excluded", cmp.ExcludedConversions),
	)
	return cmp, nil
}

func (s *ReportingService) withDefaults(q AttributionQuery) AttributionQuery {
	if q.WindowDays == 0 {
		q.WindowDays = s.defaultWindowDays
	}
	if q.Since.IsZero() {
		q.Since = s.now().UTC().AddDate(0, 0, -s.defaultWindowDays)
	}
	return q
}

func (s *ReportingService) conversions(ctx context.Context, q AttributionQuery) ([]*models.Conversion, error) {
	conversions, err := s.events.ListConversions(ctx, storage.ConversionFilter{Since: q.Since, Until: q.Until})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	return conversions, nil
}

func summarize(model models.AttributionModel, credits []models.AttributionCredit) ModelSummary {
	content := make(map[string]bool)
	conversions := make(map[string]bool)
	row := ModelSummary{Model: model}
	for _, c := range credits {
		content[c.ContentRef] = true
		conversions[c.ConversionID] = true
		row.AttributedRevenue += c.Revenue
	}
	row.AttributedContent = len(content)
	row.AttributedConversions = len(conversions)
	return row
}
