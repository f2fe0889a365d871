package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/models"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

const maxIssueAttempts = 3

// EntryContext describes a qualifying entry point.
type EntryContext struct {
	// DistributionRef is the campaign marker from the entry URL. Empty for
	// organic navigation.
	DistributionRef string
	// CurrentSignalID is the identifier the client already holds, if any.
	CurrentSignalID string
}

// IssueResult is the identifier the client should hold after this entry.
type IssueResult struct {
	Signal *models.SignalIdentifier
	// Reused is set when the client's current identifier was kept.
	Reused bool
	// Superseded names the organic identifier replaced by a distribution one.
	Superseded string
}

// Issuer mints signal identifiers and decides when a client keeps the one
// it holds.
type Issuer struct {
	repo            storage.SignalRepo
	distributionTTL time.Duration
	organicTTL      time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

// NewIssuer creates an issuer over repo.
func NewIssuer(repo storage.SignalRepo, distributionTTL, organicTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *Issuer {
	return &Issuer{
		repo:            repo,
		distributionTTL: distributionTTL,
		organicTTL:      organicTTL,
		logger:          logger,
		metrics:         m,
		now:             time.Now,
	}
}

// Issue returns the identifier for an entry.
//
// A live identifier held by the client is kept, except that following a
// distribution link always yields a distribution identifier: a live
// organic identifier is superseded, and a live distribution identifier is
// kept only when it came from the same distribution ref.
func (s *Issuer) Issue(ctx context.Context, entry EntryContext) (*IssueResult, error) {
	now := models.StoredTime(s.now())

	var superseded string
	if entry.CurrentSignalID != "" {
		current, err := s.repo.Get(ctx, entry.CurrentSignalID)
		if err != nil {
			return nil, fmt.Errorf("failed to load current signal: %w", err)
		}
		if current != nil && current.LiveAt(now) {
			if keep(current, entry.DistributionRef) {
				if s.metrics != nil {
					s.metrics.RecordSignalReused(string(current.SourceClass))
				}
				return &IssueResult{Signal: current, Reused: true}, nil
			}
			if current.SourceClass == models.SourceOrganic {
				superseded = current.ID
			}
		}
	}

	sig, err := s.mint(ctx, entry.DistributionRef, now)
	if err != nil {
		return nil, err
	}

	if superseded != "" {
		s.logger.Debug("organic signal superseded by distribution entry",
			zap.String("signal_id", sig.ID),
			zap.String("superseded", superseded),
			zap.String("distribution_ref", sig.DistributionRef),
		)
	}
	return &IssueResult{Signal: sig, Superseded: superseded}, nil
}

func keep(current *models.SignalIdentifier, distributionRef string) bool {
	if distributionRef == "" {
		return true
	}
	return current.SourceClass == models.SourceDistribution && current.DistributionRef == distributionRef
}

func (s *Issuer) mint(ctx context.Context, distributionRef string, now time.Time) (*models.SignalIdentifier, error) {
	sig := &models.SignalIdentifier{
		SourceClass: models.SourceOrganic,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.organicTTL),
	}
	if distributionRef != "" {
		sig.SourceClass = models.SourceDistribution
		sig.DistributionRef = distributionRef
		sig.ExpiresAt = now.Add(s.distributionTTL)
	}

	for attempt := 1; ; attempt++ {
		sig.ID = newToken(signalPrefix)
		err := s.repo.Save(ctx, sig)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateSignal) || attempt == maxIssueAttempts {
			return nil, fmt.Errorf("failed to issue signal: %w", err)
		}
		s.logger.Warn("signal token collision, retrying", zap.Int("attempt", attempt))
	}

	if s.metrics != nil {
		s.metrics.RecordSignalIssued(string(sig.SourceClass))
	}
	return sig, nil
}
