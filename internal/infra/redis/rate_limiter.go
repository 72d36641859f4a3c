package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
	"classquiz-engine/internal/infra/memory"
)

// RateLimiter keeps fixed-window token buckets in Redis so limits hold across
// process restarts. Buckets are plain counters with a window-length expiry,
// recreated lazily; the bucket key is action:actor so actors and actions
// never share quota.
type RateLimiter struct {
	client *redis.Client
	limits map[string]memory.Limit
}

var _ app.RateLimiter = (*RateLimiter)(nil)

func NewRateLimiter(client *redis.Client, limits map[string]memory.Limit) *RateLimiter {
	if limits == nil {
		limits = memory.DefaultLimits
	}
	return &RateLimiter{client: client, limits: limits}
}

func (r *RateLimiter) key(actor, action string) string {
	return "rate:" + action + ":" + actor
}

func (r *RateLimiter) limitFor(action string) memory.Limit {
	if l, ok := r.limits[action]; ok {
		return l
	}
	return memory.Limit{Max: 60, Window: time.Minute}
}

// Check consumes one token. The INCR that creates the key also starts the
// window; a counter above the limit means the token was not granted.
func (r *RateLimiter) Check(ctx context.Context, actor, action string) (domain.RateDecision, error) {
	limit := r.limitFor(action)
	key := r.key(actor, action)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return domain.RateDecision{}, err
	}
	if count == 1 {
		if err := r.client.PExpire(ctx, key, limit.Window).Err(); err != nil {
			return domain.RateDecision{}, err
		}
	}

	resetsIn, err := r.resetsIn(ctx, key, limit)
	if err != nil {
		return domain.RateDecision{}, err
	}

	if count > int64(limit.Max) {
		return domain.RateDecision{Allowed: false, Limit: limit.Max, Remaining: 0, ResetsIn: resetsIn}, nil
	}
	return domain.RateDecision{
		Allowed:   true,
		Limit:     limit.Max,
		Remaining: limit.Max - int(count),
		ResetsIn:  resetsIn,
	}, nil
}

// Peek reports the bucket without consuming; an absent bucket is full quota.
func (r *RateLimiter) Peek(ctx context.Context, actor, action string) (domain.RateDecision, error) {
	limit := r.limitFor(action)
	key := r.key(actor, action)

	count, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return domain.RateDecision{Allowed: true, Limit: limit.Max, Remaining: limit.Max, ResetsIn: limit.Window}, nil
	}
	if err != nil {
		return domain.RateDecision{}, err
	}

	resetsIn, err := r.resetsIn(ctx, key, limit)
	if err != nil {
		return domain.RateDecision{}, err
	}

	remaining := limit.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateDecision{
		Allowed:   count < int64(limit.Max),
		Limit:     limit.Max,
		Remaining: remaining,
		ResetsIn:  resetsIn,
	}, nil
}

// Reset restores the full quota for a key; deleting an absent key is a no-op.
func (r *RateLimiter) Reset(ctx context.Context, actor, action string) error {
	return r.client.Del(ctx, r.key(actor, action)).Err()
}

func (r *RateLimiter) resetsIn(ctx context.Context, key string, limit memory.Limit) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		// Counter without expiry (e.g. an interrupted first INCR); restart the window.
		if err := r.client.PExpire(ctx, key, limit.Window).Err(); err != nil {
			return 0, err
		}
		return limit.Window, nil
	}
	return ttl, nil
}
