package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tutorwise/signals/internal/models"
)

const (
	metricsKeyPrefix = "signals:metrics:"
	metricsIndexKey  = "signals:metrics:index"
	fieldRevenue     = "revenue"
	fieldUpdatedAt   = "updated_at"
)

// RedisMetricsStore keeps content rollups in Redis hashes, one per content
// ref, using HINCRBY/HINCRBYFLOAT so concurrent increments are atomic.
type RedisMetricsStore struct {
	client *redis.Client
}

// NewRedisMetricsStore creates a new Redis-backed metrics store.
func NewRedisMetricsStore(client *redis.Client) *RedisMetricsStore {
	return &RedisMetricsStore{client: client}
}

func metricsKey(contentRef string) string {
	return metricsKeyPrefix + contentRef
}

func counterField(t models.EventType) string {
	switch t {
	case models.EventImpression:
		return "impressions"
	case models.EventClick:
		return "clicks"
	case models.EventSave:
		return "saves"
	case models.EventConvert:
		return "conversions"
	}
	return string(t)
}

func (s *RedisMetricsStore) Increment(ctx context.Context, contentRef string, t models.EventType, revenueDelta float64, at time.Time) error {
	key := metricsKey(contentRef)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, counterField(t), 1)
		if revenueDelta != 0 {
			pipe.HIncrByFloat(ctx, key, fieldRevenue, revenueDelta)
		}
		pipe.HSet(ctx, key, fieldUpdatedAt, at.UnixNano())
		pipe.SAdd(ctx, metricsIndexKey, contentRef)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment metrics: %w", err)
	}
	return nil
}

func (s *RedisMetricsStore) Get(ctx context.Context, contentRef string) (*models.ContentMetrics, error) {
	fields, err := s.client.HGetAll(ctx, metricsKey(contentRef)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeMetricsHash(contentRef, fields), nil
}

func (s *RedisMetricsStore) List(ctx context.Context, limit int) ([]*models.ContentMetrics, error) {
	refs, err := s.client.SMembers(ctx, metricsIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics index: %w", err)
	}
	sort.Strings(refs)
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.HGetAll(ctx, metricsKey(ref))
	}
	if len(refs) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load metrics: %w", err)
		}
	}

	result := make([]*models.ContentMetrics, 0, len(refs))
	for i, ref := range refs {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		result = append(result, decodeMetricsHash(ref, fields))
	}
	return result, nil
}

func (s *RedisMetricsStore) Overwrite(ctx context.Context, m *models.ContentMetrics) error {
	key := metricsKey(m.ContentRef)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			counterField(models.EventImpression), m.Impressions,
			counterField(models.EventClick), m.Clicks,
			counterField(models.EventSave), m.Saves,
			counterField(models.EventConvert), m.Conversions,
			fieldRevenue, strconv.FormatFloat(m.AttributedRevenue, 'f', -1, 64),
			fieldUpdatedAt, m.LastUpdatedAt.UnixNano(),
		)
		pipe.SAdd(ctx, metricsIndexKey, m.ContentRef)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to overwrite metrics: %w", err)
	}
	return nil
}

func decodeMetricsHash(contentRef string, fields map[string]string) *models.ContentMetrics {
	m := &models.ContentMetrics{ContentRef: contentRef}
	for _, t := range models.EventTypes {
		if v, ok := fields[counterField(t)]; ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			m.Add(t, n)
		}
	}
	if v, ok := fields[fieldRevenue]; ok {
		m.AttributedRevenue, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields[fieldUpdatedAt]; ok {
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.LastUpdatedAt = time.Unix(0, ns).UTC()
		}
	}
	return m
}
