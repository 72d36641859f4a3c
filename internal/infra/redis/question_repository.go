package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"classquiz-engine/internal/domain"
	"classquiz-engine/internal/infra/memory"
)

// QuestionRepository caches whole activities as JSON in Redis and falls back
// to a loader on cache miss. Unlike session state, question content is
// immutable during a run, so a generous TTL with jitter is safe.
type QuestionRepository struct {
	client *redis.Client
	loader memory.ActivityLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionRepository(client *redis.Client, loader memory.ActivityLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuestionRepository) key(activityID string) string {
	return "activity:" + activityID + ":questions"
}

func (r *QuestionRepository) GetActivity(ctx context.Context, activityID string) (domain.Activity, error) {
	if activity, ok := r.fromCache(ctx, activityID); ok {
		return activity, nil
	}

	result, err, _ := r.sf.Do(activityID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if activity, ok := r.fromCache(ctx, activityID); ok {
			return activity, nil
		}

		activity, err := r.loader.LoadActivity(ctx, activityID)
		if err != nil {
			return domain.Activity{}, err
		}

		if raw, err := json.Marshal(activity); err == nil {
			_ = r.client.Set(ctx, r.key(activityID), raw, r.ttlWithJitter()).Err()
		}
		return activity, nil
	})
	if err != nil {
		return domain.Activity{}, err
	}
	return result.(domain.Activity), nil
}

func (r *QuestionRepository) fromCache(ctx context.Context, activityID string) (domain.Activity, bool) {
	raw, err := r.client.Get(ctx, r.key(activityID)).Bytes()
	if err != nil {
		return domain.Activity{}, false
	}
	var activity domain.Activity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return domain.Activity{}, false
	}
	return activity, true
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
