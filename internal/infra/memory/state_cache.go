package memory

import (
	"context"
	"sync"
	"time"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// StateCache is a short-TTL snapshot cache for the aggregate state view.
// Read-through only; lifecycle mutations invalidate it, so it can never
// diverge from the authoritative row for longer than the TTL.
type StateCache struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snap      domain.StateSnapshot
	expiresAt time.Time
}

var _ app.StateCache = (*StateCache)(nil)

func NewStateCache(ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &StateCache{
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]cachedSnapshot),
	}
}

func (c *StateCache) Get(_ context.Context, sessionID string) (domain.StateSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[sessionID]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.StateSnapshot{}, false
	}
	return entry.snap, true
}

func (c *StateCache) Set(_ context.Context, sessionID string, snap domain.StateSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = cachedSnapshot{snap: snap, expiresAt: c.clock().Add(c.ttl)}
}

func (c *StateCache) Invalidate(_ context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}
