package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tutorwise/signals/internal/models"
)

// PostgresEventLog implements EventLog using PostgreSQL.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

// NewPostgresEventLog creates a new PostgreSQL-backed event log.
func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{pool: pool}
}

const insertEventSQL = `
	INSERT INTO signal_events (id, signal_id, content_ref, target_ref, event_type, source_component, metadata, unattributed, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

// Append stores an event. Duplicate ids are ignored.
func (s *PostgresEventLog) Append(ctx context.Context, ev *models.SignalEvent) (bool, error) {
	md, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, insertEventSQL,
		ev.ID, ev.SignalID.Ptr(), ev.ContentRef, ev.TargetRef, string(ev.Type),
		ev.SourceComponent, md, ev.Unattributed, ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendConversion stores a convert event and its value row in one transaction.
func (s *PostgresEventLog) AppendConversion(ctx context.Context, ev *models.SignalEvent, conv *models.Conversion) (bool, error) {
	md, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return false, err
	}

	inserted := false
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertEventSQL,
			ev.ID, ev.SignalID.Ptr(), ev.ContentRef, ev.TargetRef, string(ev.Type),
			ev.SourceComponent, md, ev.Unattributed, ev.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		_, err = tx.Exec(ctx, `
			INSERT INTO conversions (id, event_id, signal_id, content_ref, target_ref, value, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, conv.ID, conv.EventID, conv.SignalID.Ptr(), conv.ContentRef, conv.TargetRef, conv.Value, conv.OccurredAt)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to save conversion: %w", err)
	}
	return inserted, nil
}

// ListBySignal returns the attributed events of one journey.
func (s *PostgresEventLog) ListBySignal(ctx context.Context, signalID string) ([]*models.SignalEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, signal_id, content_ref, target_ref, event_type, source_component, metadata, unattributed, created_at
		FROM signal_events
		WHERE signal_id = $1 AND NOT unattributed
		ORDER BY created_at ASC, id ASC
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list journey events: %w", err)
	}
	defer rows.Close()

	var events []*models.SignalEvent
	for rows.Next() {
		var ev models.SignalEvent
		var sid *string
		var eventType string
		var md []byte

		if err := rows.Scan(&ev.ID, &sid, &ev.ContentRef, &ev.TargetRef, &eventType,
			&ev.SourceComponent, &md, &ev.Unattributed, &ev.CreatedAt); err != nil {
			return nil, err
		}

		ev.SignalID = models.SignalRefFromPtr(sid)
		ev.Type = models.EventType(eventType)
		if ev.Metadata, err = decodeMetadata(md); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// CountByContent recounts the rollup for one content ref from the log.
func (s *PostgresEventLog) CountByContent(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	m := &models.ContentMetrics{ContentRef: contentRef}

	rows, err := s.pool.Query(ctx, `
		SELECT event_type, COUNT(*), MAX(created_at)
		FROM signal_events
		WHERE content_ref = $1
		GROUP BY event_type
	`, contentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var n int64
		var last time.Time
		if err := rows.Scan(&eventType, &n, &last); err != nil {
			return nil, err
		}
		m.Add(models.EventType(eventType), n)
		if last.After(m.LastUpdatedAt) {
			m.LastUpdatedAt = last
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM conversions WHERE content_ref = $1
	`, contentRef).Scan(&m.AttributedRevenue)
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}

	return m, nil
}

// DistinctSignals counts distinct attributed signals per content ref.
func (s *PostgresEventLog) DistinctSignals(ctx context.Context, contentRefs []string) (map[string]int64, error) {
	result := make(map[string]int64, len(contentRefs))
	if len(contentRefs) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT content_ref, COUNT(DISTINCT signal_id)
		FROM signal_events
		WHERE content_ref = ANY($1) AND signal_id IS NOT NULL AND NOT unattributed
		GROUP BY content_ref
	`, contentRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to count distinct signals: %w", err)
	}
	defer rows.Close()

	for _, ref := range contentRefs {
		result[ref] = 0
	}
	for rows.Next() {
		var ref string
		var n int64
		if err := rows.Scan(&ref, &n); err != nil {
			return nil, err
		}
		result[ref] = n
	}
	return result, rows.Err()
}

// ContentRefs pages through content refs present in the log.
func (s *PostgresEventLog) ContentRefs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT content_ref FROM signal_events
		WHERE content_ref > $1
		ORDER BY content_ref
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list content refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListConversions returns conversions ordered by occurrence.
func (s *PostgresEventLog) ListConversions(ctx context.Context, filter ConversionFilter) ([]*models.Conversion, error) {
	since, until := rangeBounds(filter.Since, filter.Until)
	// LIMIT NULL is LIMIT ALL.
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, signal_id, content_ref, target_ref, value, occurred_at
		FROM conversions
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at ASC, id ASC
		LIMIT $3
	`, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var conversions []*models.Conversion
	for rows.Next() {
		var conv models.Conversion
		var sid *string
		if err := rows.Scan(&conv.ID, &conv.EventID, &sid, &conv.ContentRef, &conv.TargetRef, &conv.Value, &conv.OccurredAt); err != nil {
			return nil, err
		}
		conv.SignalID = models.SignalRefFromPtr(sid)
		conversions = append(conversions, &conv)
	}
	return conversions, rows.Err()
}

// JourneyStages returns the event types seen per attributed signal.
func (s *PostgresEventLog) JourneyStages(ctx context.Context, filter StageFilter) (map[string][]models.EventType, error) {
	since, until := rangeBounds(filter.Since, filter.Until)

	rows, err := s.pool.Query(ctx, `
		SELECT signal_id, array_agg(DISTINCT event_type)
		FROM signal_events
		WHERE signal_id IS NOT NULL AND NOT unattributed
		  AND created_at >= $1 AND created_at < $2
		  AND ($3 = '' OR signal_id IN (
		      SELECT signal_id FROM signal_events
		      WHERE content_ref = $3 AND signal_id IS NOT NULL AND NOT unattributed))
		GROUP BY signal_id
	`, since, until, filter.ContentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load journey stages: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]models.EventType)
	for rows.Next() {
		var signalID string
		var types []string
		if err := rows.Scan(&signalID, &types); err != nil {
			return nil, err
		}
		result[signalID] = toEventTypes(types)
	}
	return result, rows.Err()
}

func encodeMetadata(md map[string]string) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if len(md) == 0 {
		return nil, nil
	}
	return md, nil
}

func toEventTypes(raw []string) []models.EventType {
	seen := make(map[models.EventType]bool, len(raw))
	for _, r := range raw {
		seen[models.EventType(r)] = true
	}
	types := make([]models.EventType, 0, len(seen))
	for _, t := range models.EventTypes {
		if seen[t] {
			types = append(types, t)
		}
	}
	return types
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
