package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tutorwise/signals/internal/models"
)

const (
	signalCachePrefix = "signals:id:"
	// expiredSignalTTL bounds how long an already expired identifier stays
	// cached; late events for it are only ever flagged unattributed.
	expiredSignalTTL = 10 * time.Minute
)

// CachedSignalRepo puts a Redis lookup cache in front of another
// SignalRepo. Cache failures fall through to the backing store.
type CachedSignalRepo struct {
	next   SignalRepo
	client *redis.Client
	now    func() time.Time
}

// NewCachedSignalRepo wraps next with a Redis cache.
func NewCachedSignalRepo(next SignalRepo, client *redis.Client) *CachedSignalRepo {
	return &CachedSignalRepo{next: next, client: client, now: time.Now}
}

func (r *CachedSignalRepo) Save(ctx context.Context, s *models.SignalIdentifier) error {
	if err := r.next.Save(ctx, s); err != nil {
		return err
	}
	r.store(ctx, s)
	return nil
}

func (r *CachedSignalRepo) Get(ctx context.Context, id string) (*models.SignalIdentifier, error) {
	// Any cache error, redis.Nil included, falls through to the store.
	if b, err := r.client.Get(ctx, signalCachePrefix+id).Bytes(); err == nil {
		var s models.SignalIdentifier
		if json.Unmarshal(b, &s) == nil {
			return &s, nil
		}
	}

	s, err := r.next.Get(ctx, id)
	if err != nil || s == nil {
		return s, err
	}
	r.store(ctx, s)
	return s, nil
}

func (r *CachedSignalRepo) store(ctx context.Context, s *models.SignalIdentifier) {
	ttl := s.Remaining(r.now())
	if ttl <= 0 {
		ttl = expiredSignalTTL
	}
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, signalCachePrefix+s.ID, b, ttl).Err()
}
