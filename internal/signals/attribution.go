package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// share is one content item's part of a conversion.
type share struct {
	contentRef string
	fraction   float64
}

// A creditSplit divides one conversion among its qualifying touchpoints,
// which are never empty and already in journey order.
type creditSplit func(touchpoints []*models.SignalEvent) []share

var creditSplits = map[models.AttributionModel]creditSplit{
	models.ModelFirstTouch: firstTouch,
	models.ModelLastTouch:  lastTouch,
	models.ModelLinear:     linear,
}

func firstTouch(tps []*models.SignalEvent) []share {
	return []share{{contentRef: tps[0].ContentRef, fraction: 1}}
}

func lastTouch(tps []*models.SignalEvent) []share {
	return []share{{contentRef: tps[len(tps)-1].ContentRef, fraction: 1}}
}

func linear(tps []*models.SignalEvent) []share {
	seen := make(map[string]bool, len(tps))
	var refs []string
	for _, tp := range tps {
		if !seen[tp.ContentRef] {
			seen[tp.ContentRef] = true
			refs = append(refs, tp.ContentRef)
		}
	}
	fraction := 1 / float64(len(refs))
	out := make([]share, len(refs))
	for i, ref := range refs {
		out[i] = share{contentRef: ref, fraction: fraction}
	}
	return out
}

// Calculator derives attribution credit from journeys. It holds no state
// between calls.
type Calculator struct {
	journeys *Reconstructor
	workers  int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewCalculator creates a calculator that processes up to workers
// conversions in parallel.
func NewCalculator(journeys *Reconstructor, workers int, logger *zap.Logger, m *metrics.Metrics) *Calculator {
	if workers <= 0 {
		workers = 1
	}
	return &Calculator{journeys: journeys, workers: workers, logger: logger, metrics: m}
}

// Attribute credits each conversion to content under model. Conversions
// with no qualifying touchpoint yield no credit under any model. Output is
// ordered by conversion id, then content ref.
func (c *Calculator) Attribute(ctx context.Context, conversions []*models.Conversion, windowDays int, model models.AttributionModel) ([]models.AttributionCredit, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("%w: window_days must be positive", ErrInvalidInput)
	}
	split, ok := creditSplits[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	start := time.Now()
	window := time.Duration(windowDays) * 24 * time.Hour

	loader := newJourneyLoader(c.journeys)
	perConversion := make([][]models.AttributionCredit, len(conversions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, conv := range conversions {
		g.Go(func() error {
			tps, err := c.qualifying(gctx, loader, conv, window)
			if err != nil {
				return err
			}
			if len(tps) == 0 {
				return nil
			}
			shares := split(tps)
			credits := make([]models.AttributionCredit, len(shares))
			for j, sh := range shares {
				credits[j] = models.AttributionCredit{
					Model:          model,
					ContentRef:     sh.contentRef,
					ConversionID:   conv.ID,
					CreditFraction: sh.fraction,
					Revenue:        sh.fraction * conv.Value,
				}
			}
			perConversion[i] = credits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.AttributionCredit
	for _, credits := range perConversion {
		out = append(out, credits...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversionID != out[j].ConversionID {
			return out[i].ConversionID < out[j].ConversionID
		}
		return out[i].ContentRef < out[j].ContentRef
	})

	if c.metrics != nil {
		c.metrics.RecordAttribution(string(model), time.Since(start))
	}
	c.logger.Debug("attribution computed",
		zap.String("model", string(model)),
		zap.Int("window_days", windowDays),
		zap.Int("conversions", len(conversions)),
		zap.Int("credits", len(out)),
	)
	return out, nil
}

// qualifying returns the touchpoints that may receive credit for conv:
// impressions, clicks and saves of its journey within the lookback
// window, created while the identifier was live. An identifier that
// expired by the time of the conversion contributes nothing.
func (c *Calculator) qualifying(ctx context.Context, loader *journeyLoader, conv *models.Conversion, window time.Duration) ([]*models.SignalEvent, error) {
	signalID, ok := conv.SignalID.Get()
	if !ok {
		return nil, nil
	}

	journey, err := loader.load(ctx, signalID)
	if err != nil || journey == nil {
		return nil, err
	}
	sig := journey.Signal
	if sig == nil || !sig.LiveAt(conv.OccurredAt) {
		return nil, nil
	}

	from := conv.OccurredAt.Add(-window)
	var tps []*models.SignalEvent
	for _, step := range journey.Steps {
		ev := step.Event
		if !ev.Type.IsTouchpoint() {
			continue
		}
		if ev.CreatedAt.Before(from) || ev.CreatedAt.After(conv.OccurredAt) {
			continue
		}
		if !sig.LiveAt(ev.CreatedAt) {
			continue
		}
		tps = append(tps, ev)
	}
	return tps, nil
}

// journeyLoader memoizes journeys for the duration of one Attribute call.
// Concurrent loads of the same signal share one lookup.
type journeyLoader struct {
	journeys *Reconstructor
	group    singleflight.Group

	mu   sync.Mutex
	memo map[string]*models.Journey
}

func newJourneyLoader(r *Reconstructor) *journeyLoader {
	return &journeyLoader{journeys: r, memo: make(map[string]*models.Journey)}
}

// load returns nil without error for a signal with no journey.
func (l *journeyLoader) load(ctx context.Context, signalID string) (*models.Journey, error) {
	l.mu.Lock()
	j, ok := l.memo[signalID]
	l.mu.Unlock()
	if ok {
		return j, nil
	}

	v, err, _ := l.group.Do(signalID, func() (any, error) {
		j, err := l.journeys.Reconstruct(ctx, signalID)
		if errors.Is(err, ErrJourneyNotFound) {
			j, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.memo[signalID] = j
		l.mu.Unlock()
		return j, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Journey), nil
}
