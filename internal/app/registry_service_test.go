package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"classquiz-engine/internal/domain"
)

func TestRegisterReplacesPriorConnection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)

	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-2", domain.TransportSSE); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	old, err := e.conns.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if old.Status != domain.ConnectionDisconnected {
		t.Fatalf("expected replaced connection disconnected, got %s", old.Status)
	}

	current, ok, err := e.conns.GetByParticipant(ctx, session.ID, "student-1")
	if err != nil || !ok {
		t.Fatalf("expected live connection, got ok=%v err=%v", ok, err)
	}
	if current.ID != "conn-2" || current.Transport != domain.TransportSSE {
		t.Fatalf("expected conn-2 over sse, got %+v", current)
	}
}

func TestRegisterUnknownSession(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.registry.Register(context.Background(), "no-such-session", "student-1", "conn-1", domain.TransportPolling)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)

	for i := 0; i < 10; i++ {
		if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
			t.Fatalf("register %d failed: %v", i, err)
		}
	}
	_, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limited on 11th register, got %v", err)
	}
}

func TestHeartbeatReconnects(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)

	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	reconnected, err := e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-1", 0)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if reconnected {
		t.Fatal("fresh connection should not report a reconnect")
	}

	// silence past the timeout, then a late heartbeat
	e.clock.advance(11)
	if _, err := e.registry.CheckStale(ctx, session.ID); err != nil {
		t.Fatalf("stale check failed: %v", err)
	}
	reconnected, err = e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-1", 0)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if !reconnected {
		t.Fatal("expected reconnect after timeout")
	}

	conn, _ := e.conns.Get(ctx, "conn-1")
	if conn.Status != domain.ConnectionConnected {
		t.Fatalf("expected connected after reconnect, got %s", conn.Status)
	}
}

func TestHeartbeatRecordsLatency(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)

	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	nowMS := e.clock.now().UnixMilli()
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-1", nowMS-25); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	conn, err := e.conns.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if conn.LatencyMS != 25 {
		t.Fatalf("expected latency 25, got %d", conn.LatencyMS)
	}

	// a heartbeat without a send time keeps the last observation
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-1", 0); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	// a send time ahead of server-now would be a negative delta; skip it
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-1", nowMS+5000); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	conn, _ = e.conns.Get(ctx, "conn-1")
	if conn.LatencyMS != 25 {
		t.Fatalf("expected latency observation kept, got %d", conn.LatencyMS)
	}
}

func TestHeartbeatMismatches(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)
	other := startedSession(t, e)

	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := e.registry.Heartbeat(ctx, other.ID, "student-1", "conn-1", 0); !errors.Is(err, domain.ErrConnectionMismatch) {
		t.Fatalf("expected mismatch for wrong session, got %v", err)
	}
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-2", "conn-1", 0); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Fatalf("expected not found for wrong participant, got %v", err)
	}
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-404", 0); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Fatalf("expected not found for unknown connection, got %v", err)
	}
}

func TestCheckStaleMarksOnlySilentConnections(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)

	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	e.clock.advance(9)
	if _, err := e.registry.Register(ctx, session.ID, "student-2", "conn-2", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// student-1 is now 11s silent, student-2 only 2s
	e.clock.advance(2)
	stale, err := e.registry.CheckStale(ctx, session.ID)
	if err != nil {
		t.Fatalf("stale check failed: %v", err)
	}
	if len(stale) != 1 || stale[0] != "student-1" {
		t.Fatalf("expected exactly student-1 stale, got %v", stale)
	}

	fresh, _ := e.conns.Get(ctx, "conn-2")
	if fresh.Status != domain.ConnectionConnected {
		t.Fatalf("expected conn-2 untouched, got %s", fresh.Status)
	}
}

func TestDisconnectIsImmediate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)

	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := e.registry.Disconnect(ctx, session.ID, "student-1", "conn-1"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	conn, _ := e.conns.Get(ctx, "conn-1")
	if conn.Status != domain.ConnectionDisconnected || conn.DisconnectedAt == nil {
		t.Fatalf("expected disconnected with timestamp, got %+v", conn)
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)

	// no connections at all
	stats, err := e.registry.Stats(ctx, session.ID)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 0 || stats.MeanLatencyMS != 0 {
		t.Fatalf("expected zero stats, got %+v", stats)
	}

	for i, p := range []string{"student-1", "student-2", "student-3"} {
		connID := "conn-" + p
		if _, err := e.registry.Register(ctx, session.ID, p, connID, domain.TransportPolling); err != nil {
			t.Fatalf("register %d failed: %v", i, err)
		}
	}
	if err := e.registry.Disconnect(ctx, session.ID, "student-3", "conn-student-3"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	// latency observations arrive with the heartbeats themselves
	nowMS := e.clock.now().UnixMilli()
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-student-1", nowMS-40); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-2", "conn-student-2", nowMS-80); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	// student-2 goes silent past the timeout but is not swept yet
	e.clock.advance(11)
	if _, err := e.registry.Heartbeat(ctx, session.ID, "student-1", "conn-student-1", 0); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	stats, err = e.registry.Stats(ctx, session.ID)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Active != 2 || stats.Disconnected != 1 || stats.Stale != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.MeanLatencyMS != 60 {
		t.Fatalf("expected mean latency 60, got %v", stats.MeanLatencyMS)
	}
}

func TestPurgeDropsOldDisconnectedRows(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := startedSession(t, e)
	e.registry.SetRetention(time.Minute)

	if _, err := e.registry.Register(ctx, session.ID, "student-1", "conn-1", domain.TransportPolling); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := e.registry.Disconnect(ctx, session.ID, "student-1", "conn-1"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	e.clock.advance(30)
	n, err := e.registry.Purge(ctx, session.ID)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected row retained inside window, purged %d", n)
	}

	e.clock.advance(60)
	n, err = e.registry.Purge(ctx, session.ID)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row purged, got %d", n)
	}
	if _, err := e.conns.Get(ctx, "conn-1"); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Fatalf("expected purged row gone, got %v", err)
	}
}
