package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// StateCache stores aggregate state snapshots in Redis under a short TTL, so
// a fleet of polling clients hits the authoritative row at most once per TTL.
// Failures degrade to cache misses; the cache is never the system of record.
type StateCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ app.StateCache = (*StateCache)(nil)

func NewStateCache(client *redis.Client, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &StateCache{client: client, ttl: ttl}
}

func (c *StateCache) key(sessionID string) string {
	return "session:state:" + sessionID
}

func (c *StateCache) Get(ctx context.Context, sessionID string) (domain.StateSnapshot, bool) {
	raw, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		return domain.StateSnapshot{}, false
	}
	var snap domain.StateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.StateSnapshot{}, false
	}
	return snap, true
}

func (c *StateCache) Set(ctx context.Context, sessionID string, snap domain.StateSnapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	// best-effort; a failed write is just a miss on the next read
	_ = c.client.Set(ctx, c.key(sessionID), raw, c.ttl).Err()
}

func (c *StateCache) Invalidate(ctx context.Context, sessionID string) {
	_ = c.client.Del(ctx, c.key(sessionID)).Err()
}
