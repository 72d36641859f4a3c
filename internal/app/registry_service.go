package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classquiz-engine/internal/domain"
)

// Default liveness windows. Staleness is a derived predicate evaluated lazily
// by readers and periodically by the sweep, never a per-connection timer.
const (
	DefaultHeartbeatTimeout    = 10 * time.Second
	DefaultSweepInterval       = 2 * time.Second
	DefaultConnectionRetention = 30 * time.Minute
)

// RegistryService tracks participant connections and their liveness,
// independent of session lifecycle state.
type RegistryService struct {
	conns     ConnectionStore
	sessions  SessionStore
	limiter   RateLimiter
	events    EventLog
	log       zerolog.Logger
	now       func() time.Time
	timeout   time.Duration
	retention time.Duration
}

func NewRegistryService(conns ConnectionStore, sessions SessionStore, limiter RateLimiter, events EventLog, log zerolog.Logger) *RegistryService {
	return NewRegistryServiceWithClock(conns, sessions, limiter, events, log, time.Now)
}

// NewRegistryServiceWithClock allows deterministic timestamps in tests.
func NewRegistryServiceWithClock(conns ConnectionStore, sessions SessionStore, limiter RateLimiter, events EventLog, log zerolog.Logger, now func() time.Time) *RegistryService {
	return &RegistryService{
		conns:     conns,
		sessions:  sessions,
		limiter:   limiter,
		events:    events,
		log:       log,
		now:       now,
		timeout:   DefaultHeartbeatTimeout,
		retention: DefaultConnectionRetention,
	}
}

// SetHeartbeatTimeout overrides the staleness window (config-driven).
func (r *RegistryService) SetHeartbeatTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// SetRetention overrides the disconnected-row retention window.
func (r *RegistryService) SetRetention(d time.Duration) {
	if d > 0 {
		r.retention = d
	}
}

// Register upserts the participant's connection. A prior connected row for the
// same (session, participant) is disconnected first: one active connection per
// participant.
func (r *RegistryService) Register(ctx context.Context, sessionID, participantID, connectionID string, transport domain.Transport) (domain.Connection, error) {
	if _, err := r.sessions.Get(ctx, sessionID); err != nil {
		return domain.Connection{}, err
	}

	decision, err := r.limiter.Check(ctx, participantID, ActionRegister)
	if err != nil {
		return domain.Connection{}, err
	}
	if !decision.Allowed {
		return domain.Connection{}, domain.ErrRateLimited
	}

	now := r.now().Unix()
	conn := domain.Connection{
		ID:            connectionID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Transport:     transport,
		Status:        domain.ConnectionConnected,
		LastHeartbeat: now,
		ConnectedAt:   now,
	}
	replaced, err := r.conns.Register(ctx, conn)
	if err != nil {
		return domain.Connection{}, err
	}

	payload := map[string]any{"connectionId": connectionID, "transport": string(transport)}
	if replaced != nil {
		payload["replacedConnectionId"] = replaced.ID
	}
	r.appendEvent(ctx, sessionID, participantID, domain.EventConnectionRegister, payload)
	r.log.Debug().Str("session", sessionID).Str("participant", participantID).Str("connection", connectionID).Msg("connection registered")
	return conn, nil
}

// Heartbeat refreshes the connection's liveness timestamp. A connection that
// had timed out flips back to connected and the reconnect is logged; the
// caller learns about it through the returned flag. sentAtMS is the client's
// send time in epoch milliseconds; when present, the delta to server receipt
// becomes the connection's latency observation (zero means not reported).
func (r *RegistryService) Heartbeat(ctx context.Context, sessionID, participantID, connectionID string, sentAtMS int64) (reconnected bool, err error) {
	existing, err := r.conns.Get(ctx, connectionID)
	if err != nil {
		return false, err
	}
	if existing.SessionID != sessionID {
		return false, domain.ErrConnectionMismatch
	}
	if existing.ParticipantID != participantID {
		return false, domain.ErrConnectionNotFound
	}

	received := r.now()
	now := received.Unix()
	var latencyMS int64 = -1
	if sentAtMS > 0 {
		// A fast client clock would yield a negative delta; skip the sample
		// rather than poison the mean.
		if d := received.UnixMilli() - sentAtMS; d >= 0 {
			latencyMS = d
		}
	}
	wasDisconnected := existing.Status == domain.ConnectionDisconnected
	_, err = r.conns.Mutate(ctx, connectionID, func(conn *domain.Connection) error {
		conn.LastHeartbeat = now
		if latencyMS >= 0 {
			conn.LatencyMS = latencyMS
		}
		if conn.Status == domain.ConnectionDisconnected {
			conn.Status = domain.ConnectionConnected
			conn.DisconnectedAt = nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if wasDisconnected {
		r.appendEvent(ctx, sessionID, participantID, domain.EventHeartbeatReconnect, map[string]any{
			"connectionId":    connectionID,
			"wasdisconnected": true,
		})
		r.log.Info().Str("session", sessionID).Str("participant", participantID).Msg("connection reconnected via heartbeat")
	}
	return wasDisconnected, nil
}

// Disconnect marks a connection closed on explicit client request, skipping
// the heartbeat timeout wait.
func (r *RegistryService) Disconnect(ctx context.Context, sessionID, participantID, connectionID string) error {
	existing, err := r.conns.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if existing.SessionID != sessionID {
		return domain.ErrConnectionMismatch
	}
	if existing.ParticipantID != participantID {
		return domain.ErrConnectionNotFound
	}

	now := r.now().Unix()
	_, err = r.conns.Mutate(ctx, connectionID, func(conn *domain.Connection) error {
		if conn.Status != domain.ConnectionDisconnected {
			conn.Status = domain.ConnectionDisconnected
			at := now
			conn.DisconnectedAt = &at
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.appendEvent(ctx, sessionID, participantID, domain.EventConnectionClose, map[string]any{"connectionId": connectionID})
	return nil
}

// CheckStale marks live rows (connected or answering) whose heartbeat age
// exceeds the timeout as disconnected and returns the affected participants.
// Timeouts are not errors to the timed-out participant; they become state
// observed by other readers.
func (r *RegistryService) CheckStale(ctx context.Context, sessionID string) ([]string, error) {
	conns, err := r.conns.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := r.now().Unix()
	cutoff := now - int64(r.timeout/time.Second)
	var stale []string
	for _, conn := range conns {
		if conn.Status == domain.ConnectionDisconnected || conn.LastHeartbeat >= cutoff {
			continue
		}
		_, err := r.conns.Mutate(ctx, conn.ID, func(c *domain.Connection) error {
			if c.Status != domain.ConnectionDisconnected && c.LastHeartbeat < cutoff {
				c.Status = domain.ConnectionDisconnected
				at := now
				c.DisconnectedAt = &at
				return nil
			}
			return nil
		})
		if err != nil {
			return stale, err
		}
		stale = append(stale, conn.ParticipantID)
		r.appendEvent(ctx, sessionID, "", domain.EventHeartbeatTimeout, map[string]any{
			"connectionId":  conn.ID,
			"participantId": conn.ParticipantID,
			"timeoutSec":    int64(r.timeout / time.Second),
		})
	}
	if len(stale) > 0 {
		r.log.Info().Str("session", sessionID).Int("count", len(stale)).Msg("stale connections timed out")
	}
	return stale, nil
}

// Stats summarizes the session's registry. Stale counts connections still
// live (connected or answering) that have outlived the heartbeat timeout (the
// next sweep will disconnect them). Zero connections yields all-zero stats.
func (r *RegistryService) Stats(ctx context.Context, sessionID string) (domain.ConnectionStats, error) {
	conns, err := r.conns.ListBySession(ctx, sessionID)
	if err != nil {
		return domain.ConnectionStats{}, err
	}

	now := r.now().Unix()
	cutoff := now - int64(r.timeout/time.Second)
	stats := domain.ConnectionStats{Total: len(conns)}
	var latencySum int64
	var latencySamples int
	for _, conn := range conns {
		switch conn.Status {
		case domain.ConnectionDisconnected:
			stats.Disconnected++
		default:
			stats.Active++
			if conn.LastHeartbeat < cutoff {
				stats.Stale++
			}
		}
		if conn.LatencyMS > 0 {
			latencySum += conn.LatencyMS
			latencySamples++
		}
	}
	if latencySamples > 0 {
		stats.MeanLatencyMS = float64(latencySum) / float64(latencySamples)
	}
	return stats, nil
}

// Purge garbage-collects disconnected rows past the retention window.
func (r *RegistryService) Purge(ctx context.Context, sessionID string) (int, error) {
	cutoff := r.now().Add(-r.retention).Unix()
	return r.conns.Purge(ctx, sessionID, cutoff)
}

// RunSweeper periodically ages out silent connections across all sessions
// with registered connections, until the context is cancelled. The interval
// plus the heartbeat timeout bounds disconnect detection latency.
func (r *RegistryService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := r.conns.Sessions(ctx)
			if err != nil {
				r.log.Warn().Err(err).Msg("sweep: listing sessions failed")
				continue
			}
			for _, sessionID := range sessions {
				if _, err := r.CheckStale(ctx, sessionID); err != nil {
					r.log.Warn().Err(err).Str("session", sessionID).Msg("sweep: stale check failed")
				}
				if _, err := r.Purge(ctx, sessionID); err != nil {
					r.log.Warn().Err(err).Str("session", sessionID).Msg("sweep: purge failed")
				}
			}
		}
	}
}

func (r *RegistryService) appendEvent(ctx context.Context, sessionID, actorID, eventType string, payload map[string]any) {
	e := domain.LogEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ActorID:   actorID,
		Type:      eventType,
		Payload:   payload,
		At:        r.now().Unix(),
	}
	if err := r.events.Append(ctx, e); err != nil {
		r.log.Warn().Err(err).Str("session", sessionID).Str("event", eventType).Msg("event log append failed")
	}
}
