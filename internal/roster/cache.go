package roster

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/models"
)

// Source returns the users on duty for a civil date.
type Source interface {
	OnDuty(ctx context.Context, date time.Time) ([]models.OnDutyUser, error)
}

// CachedSource keeps on-duty lists in Redis. Redis failures fall through to
// the underlying source.
type CachedSource struct {
	next   Source
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedSource(next Source, client *redis.Client, ttl time.Duration, log logger.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = time.Duration(constants.DefaultTTLSeconds) * time.Second
	}
	return &CachedSource{next: next, client: client, ttl: ttl, logger: log}
}

func cacheKey(date string) string {
	return constants.CacheKeyPrefixRoster + date
}

func (c *CachedSource) OnDuty(ctx context.Context, date time.Time) ([]models.OnDutyUser, error) {
	key := cacheKey(date.Format(constants.DateLayout))

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var users []models.OnDutyUser
		if jsonErr := json.Unmarshal([]byte(val), &users); jsonErr == nil {
			metrics.RosterCacheRequestsTotal.WithLabelValues("hit").Inc()
			return users, nil
		}
		metrics.RosterCacheRequestsTotal.WithLabelValues("corrupt").Inc()
	case errors.Is(err, redis.Nil):
		metrics.RosterCacheRequestsTotal.WithLabelValues("miss").Inc()
	default:
		metrics.RosterCacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.WarnwCtx(ctx, "Roster cache read failed", "key", key, "error", err)
	}

	users, err := c.next.OnDuty(ctx, date)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(users); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.WarnwCtx(ctx, "Roster cache write failed", "key", key, "error", err)
		}
	}
	return users, nil
}

// Invalidate drops cached entries for dates (YYYY-MM-DD). With no dates
// every cached roster is dropped.
func (c *CachedSource) Invalidate(ctx context.Context, dates ...string) error {
	keys := make([]string, 0, len(dates))
	for _, d := range dates {
		keys = append(keys, cacheKey(d))
	}

	if len(dates) == 0 {
		iter := c.client.Scan(ctx, 0, constants.CacheKeyPrefixRoster+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
	}

	return c.client.Del(ctx, keys...).Err()
}
