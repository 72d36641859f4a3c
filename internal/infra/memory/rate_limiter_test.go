package memory

import (
	"context"
	"testing"
	"time"

	"classquiz-engine/internal/app"
)

func limiterClock(sec *int64) func() time.Time {
	return func() time.Time { return time.Unix(*sec, 0) }
}

func TestCheckConsumesExactlyQuota(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	limiter := NewRateLimiterWithClock(map[string]Limit{
		app.ActionSubmit: {Max: 3, Window: time.Minute},
	}, limiterClock(&now))

	for i := 0; i < 3; i++ {
		d, err := limiter.Check(ctx, "student-1", app.ActionSubmit)
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("expected check %d allowed", i)
		}
		if d.Remaining != 3-i-1 {
			t.Fatalf("expected remaining %d, got %d", 3-i-1, d.Remaining)
		}
	}

	d, err := limiter.Check(ctx, "student-1", app.ActionSubmit)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected exhausted bucket, got %+v", d)
	}
	if d.ResetsIn <= 0 || d.ResetsIn > time.Minute {
		t.Fatalf("expected reset within the window, got %v", d.ResetsIn)
	}
}

func TestWindowRollsOver(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	limiter := NewRateLimiterWithClock(map[string]Limit{
		app.ActionSubmit: {Max: 1, Window: time.Minute},
	}, limiterClock(&now))

	if d, _ := limiter.Check(ctx, "student-1", app.ActionSubmit); !d.Allowed {
		t.Fatal("first check should pass")
	}
	if d, _ := limiter.Check(ctx, "student-1", app.ActionSubmit); d.Allowed {
		t.Fatal("second check in window should fail")
	}

	now += 60
	if d, _ := limiter.Check(ctx, "student-1", app.ActionSubmit); !d.Allowed {
		t.Fatal("check after window rollover should pass")
	}
}

func TestPeekIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	limiter := NewRateLimiterWithClock(map[string]Limit{
		app.ActionSubmit: {Max: 2, Window: time.Minute},
	}, limiterClock(&now))

	if _, err := limiter.Check(ctx, "student-1", app.ActionSubmit); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		d, err := limiter.Peek(ctx, "student-1", app.ActionSubmit)
		if err != nil {
			t.Fatalf("peek failed: %v", err)
		}
		if d.Remaining != 1 {
			t.Fatalf("peek %d changed the bucket: %+v", i, d)
		}
	}
}

func TestResetRestoresQuota(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	limiter := NewRateLimiterWithClock(map[string]Limit{
		app.ActionSubmit: {Max: 1, Window: time.Minute},
	}, limiterClock(&now))

	if _, err := limiter.Check(ctx, "student-1", app.ActionSubmit); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d, _ := limiter.Check(ctx, "student-1", app.ActionSubmit); d.Allowed {
		t.Fatal("expected bucket exhausted")
	}
	if err := limiter.Reset(ctx, "student-1", app.ActionSubmit); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if d, _ := limiter.Check(ctx, "student-1", app.ActionSubmit); !d.Allowed {
		t.Fatal("expected full quota after reset")
	}
	// resetting an absent key is a no-op
	if err := limiter.Reset(ctx, "nobody", app.ActionSubmit); err != nil {
		t.Fatalf("reset of absent key failed: %v", err)
	}
}

func TestBucketsIsolatedByActorAndAction(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	limiter := NewRateLimiterWithClock(map[string]Limit{
		app.ActionSubmit: {Max: 1, Window: time.Minute},
		app.ActionQueue:  {Max: 1, Window: time.Minute},
	}, limiterClock(&now))

	if _, err := limiter.Check(ctx, "student-1", app.ActionSubmit); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	if d, _ := limiter.Check(ctx, "student-2", app.ActionSubmit); !d.Allowed {
		t.Fatal("another actor must have its own bucket")
	}
	if d, _ := limiter.Check(ctx, "student-1", app.ActionQueue); !d.Allowed {
		t.Fatal("another action must have its own bucket")
	}
	if d, _ := limiter.Check(ctx, "student-1", app.ActionSubmit); d.Allowed {
		t.Fatal("original bucket should stay exhausted")
	}
}

func TestUnknownActionUsesDefaultLimit(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	limiter := NewRateLimiterWithClock(map[string]Limit{}, limiterClock(&now))

	d, err := limiter.Check(ctx, "student-1", "mystery")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !d.Allowed || d.Limit != 60 {
		t.Fatalf("expected default 60/min limit, got %+v", d)
	}
}
