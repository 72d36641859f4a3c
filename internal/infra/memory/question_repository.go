package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"classquiz-engine/internal/domain"
)

// ActivityLoader fetches question sets from a backing store.
type ActivityLoader interface {
	LoadActivity(ctx context.Context, activityID string) (domain.Activity, error)
}

// QuestionRepository caches activities with TTL to avoid repeated DB hits.
type QuestionRepository struct {
	loader ActivityLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedActivity
}

type cachedActivity struct {
	activity  domain.Activity
	expiresAt time.Time
}

func NewQuestionRepository(loader ActivityLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedActivity),
	}
}

func (r *QuestionRepository) GetActivity(ctx context.Context, activityID string) (domain.Activity, error) {
	now := r.clock()

	r.mu.RLock()
	if entry, ok := r.cache[activityID]; ok && entry.expiresAt.After(now) {
		r.mu.RUnlock()
		return entry.activity, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.sf.Do(activityID, func() (interface{}, error) {
		now := r.clock()
		r.mu.RLock()
		if entry, ok := r.cache[activityID]; ok && entry.expiresAt.After(now) {
			r.mu.RUnlock()
			return entry.activity, nil
		}
		r.mu.RUnlock()

		activity, err := r.loader.LoadActivity(ctx, activityID)
		if err != nil {
			return domain.Activity{}, err
		}

		r.mu.Lock()
		r.cache[activityID] = cachedActivity{
			activity:  activity,
			expiresAt: now.Add(r.ttlWithJitter()),
		}
		r.mu.Unlock()
		return activity, nil
	})
	if err != nil {
		return domain.Activity{}, err
	}
	return result.(domain.Activity), nil
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticActivityLoader is a simple loader backed by an in-memory map (useful
// for tests/demos).
type StaticActivityLoader struct {
	activities map[string]domain.Activity
}

func NewStaticActivityLoader(activities map[string]domain.Activity) *StaticActivityLoader {
	return &StaticActivityLoader{activities: activities}
}

func (l *StaticActivityLoader) LoadActivity(_ context.Context, activityID string) (domain.Activity, error) {
	if activity, ok := l.activities[activityID]; ok {
		return activity, nil
	}
	return domain.Activity{}, domain.ErrActivityNotFound
}
