package memory

import (
	"context"
	"sync"
	"time"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// Limit is one action's quota per fixed window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits covers the engine's write paths.
var DefaultLimits = map[string]Limit{
	app.ActionSubmit:   {Max: 30, Window: time.Minute},
	app.ActionBatch:    {Max: 10, Window: time.Minute},
	app.ActionQueue:    {Max: 60, Window: time.Minute},
	app.ActionRegister: {Max: 10, Window: time.Minute},
}

// RateLimiter is a fixed-window token bucket per (actor, action) key. Buckets
// are created lazily and never shared across actors or actions.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	limits       map[string]Limit
	defaultLimit Limit
	clock        func() time.Time
}

type bucket struct {
	used        int
	windowStart time.Time
}

var _ app.RateLimiter = (*RateLimiter)(nil)

func NewRateLimiter(limits map[string]Limit) *RateLimiter {
	return NewRateLimiterWithClock(limits, time.Now)
}

// NewRateLimiterWithClock allows deterministic windows in tests.
func NewRateLimiterWithClock(limits map[string]Limit, clock func() time.Time) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		limits:       limits,
		defaultLimit: Limit{Max: 60, Window: time.Minute},
		clock:        clock,
	}
}

func (r *RateLimiter) key(actor, action string) string {
	return action + ":" + actor
}

func (r *RateLimiter) limitFor(action string) Limit {
	if l, ok := r.limits[action]; ok {
		return l
	}
	return r.defaultLimit
}

// Check consumes one token if available.
func (r *RateLimiter) Check(_ context.Context, actor, action string) (domain.RateDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	limit := r.limitFor(action)
	b := r.bucket(actor, action, now, limit)

	if b.used >= limit.Max {
		return domain.RateDecision{
			Allowed:   false,
			Limit:     limit.Max,
			Remaining: 0,
			ResetsIn:  r.resetsIn(b, now, limit),
		}, nil
	}
	b.used++
	return domain.RateDecision{
		Allowed:   true,
		Limit:     limit.Max,
		Remaining: limit.Max - b.used,
		ResetsIn:  r.resetsIn(b, now, limit),
	}, nil
}

// Peek reports the bucket state without consuming a token; repeated peeks are
// idempotent.
func (r *RateLimiter) Peek(_ context.Context, actor, action string) (domain.RateDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	limit := r.limitFor(action)
	b := r.bucket(actor, action, now, limit)

	return domain.RateDecision{
		Allowed:   b.used < limit.Max,
		Limit:     limit.Max,
		Remaining: limit.Max - b.used,
		ResetsIn:  r.resetsIn(b, now, limit),
	}, nil
}

// Reset restores the full quota for a key; resetting an absent key is a no-op.
func (r *RateLimiter) Reset(_ context.Context, actor, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, r.key(actor, action))
	return nil
}

// bucket returns the live window for the key, rolling over expired windows.
func (r *RateLimiter) bucket(actor, action string, now time.Time, limit Limit) *bucket {
	key := r.key(actor, action)
	b, ok := r.buckets[key]
	if !ok || now.Sub(b.windowStart) >= limit.Window {
		b = &bucket{windowStart: now}
		r.buckets[key] = b
	}
	return b
}

func (r *RateLimiter) resetsIn(b *bucket, now time.Time, limit Limit) time.Duration {
	left := limit.Window - now.Sub(b.windowStart)
	if left < 0 {
		return 0
	}
	return left
}

// Cleanup drops buckets whose window ended long ago; call periodically to
// bound memory under many one-shot actors.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	for key, b := range r.buckets {
		if now.Sub(b.windowStart) > 5*time.Minute {
			delete(r.buckets, key)
		}
	}
}
