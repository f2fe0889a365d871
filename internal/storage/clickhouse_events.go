package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/tutorwise/signals/internal/models"
)

// ClickHouse DDL. Tables are ReplacingMergeTree keyed on the event id so a
// replayed insert collapses into the original row; reads use FINAL.
// Timestamps keep microseconds, the precision every backend stores.
var clickHouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS signal_events (
		id               String,
		signal_id        Nullable(String),
		content_ref      String,
		target_ref       String,
		event_type       LowCardinality(String),
		source_component String,
		metadata         Map(String, String),
		unattributed     Bool,
		created_at       DateTime64(6, 'UTC')
	) ENGINE = ReplacingMergeTree
	ORDER BY id`,
	`CREATE TABLE IF NOT EXISTS conversions (
		id          String,
		event_id    String,
		signal_id   Nullable(String),
		content_ref String,
		target_ref  String,
		value       Float64,
		occurred_at DateTime64(6, 'UTC')
	) ENGINE = ReplacingMergeTree
	ORDER BY event_id`,
}

// ClickHouseEventLog implements EventLog on ClickHouse. It suits high
// ingest volume; the Postgres log remains the default.
type ClickHouseEventLog struct {
	conn driver.Conn
}

func NewClickHouseEventLog(conn driver.Conn) *ClickHouseEventLog {
	return &ClickHouseEventLog{conn: conn}
}

// EnsureSchema creates the tables if they do not exist.
func (s *ClickHouseEventLog) EnsureSchema(ctx context.Context) error {
	for _, ddl := range clickHouseSchema {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create clickhouse schema: %w", err)
		}
	}
	return nil
}

const (
	eventExistsQuery      = `SELECT count() FROM signal_events WHERE id = ?`
	conversionExistsQuery = `SELECT count() FROM conversions WHERE event_id = ?`
)

func (s *ClickHouseEventLog) exists(ctx context.Context, query, id string) (bool, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx, query, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check existing row: %w", err)
	}
	return n > 0, nil
}

func (s *ClickHouseEventLog) Append(ctx context.Context, ev *models.SignalEvent) (bool, error) {
	dup, err := s.exists(ctx, eventExistsQuery, ev.ID)
	if err != nil || dup {
		return false, err
	}
	if err := s.insertEvent(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// AppendConversion writes the value row before the event row. ClickHouse
// has no multi-table transaction, so a failure between the two leaves only
// a conversion keyed on the event id, which a retry overwrites. A replayed
// convert whose value row is missing gets it written and still reports a
// duplicate.
func (s *ClickHouseEventLog) AppendConversion(ctx context.Context, ev *models.SignalEvent, conv *models.Conversion) (bool, error) {
	dup, err := s.exists(ctx, eventExistsQuery, ev.ID)
	if err != nil {
		return false, err
	}
	if dup {
		has, err := s.exists(ctx, conversionExistsQuery, ev.ID)
		if err != nil || has {
			return false, err
		}
		return false, s.insertConversion(ctx, conv)
	}

	if err := s.insertConversion(ctx, conv); err != nil {
		return false, err
	}
	if err := s.insertEvent(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ClickHouseEventLog) insertConversion(ctx context.Context, conv *models.Conversion) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO conversions")
	if err != nil {
		return fmt.Errorf("failed to prepare conversion batch: %w", err)
	}
	if err := batch.Append(conv.ID, conv.EventID, conv.SignalID.Ptr(), conv.ContentRef,
		conv.TargetRef, conv.Value, conv.OccurredAt); err != nil {
		return fmt.Errorf("failed to append conversion: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to save conversion: %w", err)
	}
	return nil
}

func (s *ClickHouseEventLog) insertEvent(ctx context.Context, ev *models.SignalEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO signal_events")
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}

	md := ev.Metadata
	if md == nil {
		md = map[string]string{}
	}
	if err := batch.Append(ev.ID, ev.SignalID.Ptr(), ev.ContentRef, ev.TargetRef, string(ev.Type),
		ev.SourceComponent, md, ev.Unattributed, ev.CreatedAt); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *ClickHouseEventLog) ListBySignal(ctx context.Context, signalID string) ([]*models.SignalEvent, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, signal_id, content_ref, target_ref, event_type, source_component, metadata, unattributed, created_at
		FROM signal_events FINAL
		WHERE signal_id = ? AND NOT unattributed
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
		var md map[string]string

		if err := rows.Scan(&ev.ID, &sid, &ev.ContentRef, &ev.TargetRef, &eventType,
			&ev.SourceComponent, &md, &ev.Unattributed, &ev.CreatedAt); err != nil {
			return nil, err
		}

		ev.SignalID = models.SignalRefFromPtr(sid)
		ev.Type = models.EventType(eventType)
		if len(md) > 0 {
			ev.Metadata = md
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *ClickHouseEventLog) CountByContent(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	m := &models.ContentMetrics{ContentRef: contentRef}

	rows, err := s.conn.Query(ctx, `
		SELECT event_type, count(), max(created_at)
		FROM signal_events FINAL
		WHERE content_ref = ?
		GROUP BY event_type
	`, contentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var n uint64
		var last time.Time
		if err := rows.Scan(&eventType, &n, &last); err != nil {
			return nil, err
		}
		m.Add(models.EventType(eventType), int64(n))
		if last.After(m.LastUpdatedAt) {
			m.LastUpdatedAt = last.UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.conn.QueryRow(ctx, `
		SELECT sum(value) FROM conversions FINAL
		WHERE content_ref = ? AND event_id IN (SELECT id FROM signal_events WHERE content_ref = ?)
	`, contentRef, contentRef).Scan(&m.AttributedRevenue); err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return m, nil
}

func (s *ClickHouseEventLog) DistinctSignals(ctx context.Context, contentRefs []string) (map[string]int64, error) {
	result := make(map[string]int64, len(contentRefs))
	if len(contentRefs) == 0 {
		return result, nil
	}
	for _, ref := range contentRefs {
		result[ref] = 0
	}

	rows, err := s.conn.Query(ctx, `
		SELECT content_ref, uniqExact(signal_id)
		FROM signal_events FINAL
		WHERE has(?, content_ref) AND signal_id IS NOT NULL AND NOT unattributed
		GROUP BY content_ref
	`, contentRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to count distinct signals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref string
		var n uint64
		if err := rows.Scan(&ref, &n); err != nil {
			return nil, err
		}
		result[ref] = int64(n)
	}
	return result, rows.Err()
}

func (s *ClickHouseEventLog) ContentRefs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT content_ref FROM signal_events
		WHERE content_ref > ?
		ORDER BY content_ref
		LIMIT ?
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

func (s *ClickHouseEventLog) ListConversions(ctx context.Context, filter ConversionFilter) ([]*models.Conversion, error) {
	since, until := clickHouseBounds(filter.Since, filter.Until)

	// Value rows are written ahead of their event; one whose event never
	// landed is not a conversion yet.
	query := `
		SELECT id, event_id, signal_id, content_ref, target_ref, value, occurred_at
		FROM conversions FINAL
		WHERE occurred_at >= ? AND occurred_at < ?
		  AND event_id IN (SELECT id FROM signal_events)
		ORDER BY occurred_at ASC, id ASC`
	args := []any{since, until}
	if filter.Limit > 0 {
		query += "\n\t\tLIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
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
		conv.OccurredAt = conv.OccurredAt.UTC()
		conversions = append(conversions, &conv)
	}
	return conversions, rows.Err()
}

func (s *ClickHouseEventLog) JourneyStages(ctx context.Context, filter StageFilter) (map[string][]models.EventType, error) {
	since, until := clickHouseBounds(filter.Since, filter.Until)

	rows, err := s.conn.Query(ctx, `
		SELECT assumeNotNull(signal_id) AS sid, groupUniqArray(event_type)
		FROM signal_events FINAL
		WHERE signal_id IS NOT NULL AND NOT unattributed
		  AND created_at >= ? AND created_at < ?
		  AND (? = '' OR signal_id IN (
		      SELECT signal_id FROM signal_events
		      WHERE content_ref = ? AND signal_id IS NOT NULL AND NOT unattributed))
		GROUP BY sid
	`, since, until, filter.ContentRef, filter.ContentRef)
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

// clickHouseBounds is rangeBounds clamped to the DateTime64 range.
func clickHouseBounds(since, until time.Time) (time.Time, time.Time) {
	since, until = rangeBounds(since, until)
	if max := time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC); until.After(max) {
		until = max
	}
	return since, until
}
