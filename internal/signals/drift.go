package signals

import (
	"context"
	"errors"
	"time"

	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

// DriftSummary counts the outcome of one pass.
type DriftSummary struct {
	Scanned  int `json:"scanned"`
	Drifted  int `json:"drifted"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// DriftChecker periodically compares every rollup with the event log and
// recomputes the ones that drifted.
type DriftChecker struct {
	aggregator *Aggregator
	events     storage.EventLog
	batchSize  int
	interval   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewDriftChecker creates a checker.
func NewDriftChecker(aggregator *Aggregator, events storage.EventLog, batchSize int, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *DriftChecker {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &DriftChecker{
		aggregator: aggregator,
		events:     events,
		batchSize:  batchSize,
		interval:   interval,
		logger:     logger,
		metrics:    m,
	}
}

// Run checks on every tick until ctx is cancelled.
func (d *DriftChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("drift checker started", zap.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drift checker stopped")
			return
		case <-ticker.C:
			summary, err := d.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("drift check failed", zap.Error(err))
				continue
			}
			d.logger.Info("drift check complete",
				zap.Int("scanned", summary.Scanned),
				zap.Int("drifted", summary.Drifted),
				zap.Int("repaired", summary.Repaired),
				zap.Int("failed", summary.Failed),
			)
		}
	}
}

// RunOnce scans all content refs in the event log once. Failures on a
// single content ref are counted and do not stop the pass.
func (d *DriftChecker) RunOnce(ctx context.Context) (DriftSummary, error) {
	var summary DriftSummary
	after := ""

	for {
		refs, err := d.events.ContentRefs(ctx, after, d.batchSize)
		if err != nil {
			return summary, err
		}
		for _, ref := range refs {
			d.check(ctx, ref, &summary)
		}
		if len(refs) < d.batchSize {
			return summary, nil
		}
		after = refs[len(refs)-1]
	}
}

func (d *DriftChecker) check(ctx context.Context, ref string, summary *DriftSummary) {
	summary.Scanned++

	report, err := d.aggregator.CheckDrift(ctx, ref)
	switch {
	case err == nil:
		d.record(false, false)
		return
	case !errors.Is(err, ErrMetricsDrift):
		summary.Failed++
		d.logger.Warn("drift check failed", zap.String("content_ref", ref), zap.Error(err))
		return
	}

	summary.Drifted++
	d.logger.Warn("content metrics drift detected",
		zap.String("content_ref", ref),
		zap.Int64("stored_impressions", report.Stored.Impressions),
		zap.Int64("recounted_impressions", report.Recounted.Impressions),
		zap.Int64("stored_conversions", report.Stored.Conversions),
		zap.Int64("recounted_conversions", report.Recounted.Conversions),
	)

	if _, err := d.aggregator.Recompute(ctx, ref); err != nil {
		summary.Failed++
		d.logger.Error("failed to repair content metrics", zap.String("content_ref", ref), zap.Error(err))
		d.record(true, false)
		return
	}
	summary.Repaired++
	d.record(true, true)
}

func (d *DriftChecker) record(drifted, repaired bool) {
	if d.metrics != nil {
		d.metrics.RecordDriftScan(drifted, repaired)
	}
}
