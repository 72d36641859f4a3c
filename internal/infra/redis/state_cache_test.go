package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"classquiz-engine/internal/domain"
)

func TestStateCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	cache := NewStateCache(newClient(mr), 2*time.Second)

	if _, ok := cache.Get(ctx, "s1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	snap := domain.StateSnapshot{
		SessionID:       "s1",
		Status:          domain.SessionActive,
		CurrentQuestion: 2,
		QuestionCount:   5,
		TimerRemaining:  17,
	}
	cache.Set(ctx, "s1", snap)

	got, ok := cache.Get(ctx, "s1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if got != snap {
		t.Fatalf("expected %+v, got %+v", snap, got)
	}
}

func TestStateCacheExpiresAndInvalidates(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	cache := NewStateCache(newClient(mr), 2*time.Second)
	snap := domain.StateSnapshot{SessionID: "s1", Status: domain.SessionActive}

	cache.Set(ctx, "s1", snap)
	mr.FastForward(3 * time.Second)
	if _, ok := cache.Get(ctx, "s1"); ok {
		t.Fatal("expected snapshot gone after TTL")
	}

	cache.Set(ctx, "s1", snap)
	cache.Invalidate(ctx, "s1")
	if _, ok := cache.Get(ctx, "s1"); ok {
		t.Fatal("expected miss after invalidation")
	}
}
