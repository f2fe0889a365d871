package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tutorwise/signals/internal/models"
)

// PostgresMetricsStore keeps content rollups in the content_metrics table.
// Increments are single-statement upserts so concurrent writers never
// lose updates.
type PostgresMetricsStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMetricsStore(pool *pgxpool.Pool) *PostgresMetricsStore {
	return &PostgresMetricsStore{pool: pool}
}

func (s *PostgresMetricsStore) Increment(ctx context.Context, contentRef string, t models.EventType, revenueDelta float64, at time.Time) error {
	delta := models.ContentMetrics{}
	delta.Add(t, 1)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_metrics (content_ref, impressions, clicks, saves, conversions, attributed_revenue, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (content_ref) DO UPDATE SET
			impressions        = content_metrics.impressions + EXCLUDED.impressions,
			clicks             = content_metrics.clicks + EXCLUDED.clicks,
			saves              = content_metrics.saves + EXCLUDED.saves,
			conversions        = content_metrics.conversions + EXCLUDED.conversions,
			attributed_revenue = content_metrics.attributed_revenue + EXCLUDED.attributed_revenue,
			last_updated_at    = GREATEST(content_metrics.last_updated_at, EXCLUDED.last_updated_at)
	`, contentRef, delta.Impressions, delta.Clicks, delta.Saves, delta.Conversions, revenueDelta, at)
	if err != nil {
		return fmt.Errorf("failed to increment metrics: %w", err)
	}
	return nil
}

func (s *PostgresMetricsStore) Get(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	var m models.ContentMetrics
	err := s.pool.QueryRow(ctx, `
		SELECT content_ref, impressions, clicks, saves, conversions, attributed_revenue, last_updated_at
		FROM content_metrics WHERE content_ref = $1
	`, contentRef).Scan(&m.ContentRef, &m.Impressions, &m.Clicks, &m.Saves, &m.Conversions, &m.AttributedRevenue, &m.LastUpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	return &m, nil
}

func (s *PostgresMetricsStore) List(ctx context.Context, limit int) ([]*models.ContentMetrics, error) {
	if limit <= 0 {
		limit = 100000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT content_ref, impressions, clicks, saves, conversions, attributed_revenue, last_updated_at
		FROM content_metrics ORDER BY content_ref LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var result []*models.ContentMetrics
	for rows.Next() {
		var m models.ContentMetrics
		if err := rows.Scan(&m.ContentRef, &m.Impressions, &m.Clicks, &m.Saves, &m.Conversions, &m.AttributedRevenue, &m.LastUpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (s *PostgresMetricsStore) Overwrite(ctx context.Context, m *models.ContentMetrics) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_metrics (content_ref, impressions, clicks, saves, conversions, attributed_revenue, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (content_ref) DO UPDATE SET
			impressions        = EXCLUDED.impressions,
			clicks             = EXCLUDED.clicks,
			saves              = EXCLUDED.saves,
			conversions        = EXCLUDED.conversions,
			attributed_revenue = EXCLUDED.attributed_revenue,
			last_updated_at    = EXCLUDED.last_updated_at
	`, m.ContentRef, m.Impressions, m.Clicks, m.Saves, m.Conversions, m.AttributedRevenue, m.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to overwrite metrics: %w", err)
	}
	return nil
}
