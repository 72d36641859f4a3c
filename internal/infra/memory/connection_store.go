package memory

import (
	"context"
	"sync"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// ConnectionStore is the in-memory implementation of app.ConnectionStore.
// Register is the one check-then-act spot: disconnect-then-create for the
// (session, participant) pair happens under a single lock hold.
type ConnectionStore struct {
	mu    sync.RWMutex
	conns map[string]*domain.Connection // connection id -> row
}

var _ app.ConnectionStore = (*ConnectionStore)(nil)

func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{conns: make(map[string]*domain.Connection)}
}

func (s *ConnectionStore) Register(_ context.Context, conn domain.Connection) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced *domain.Connection
	for _, existing := range s.conns {
		if existing.SessionID == conn.SessionID &&
			existing.ParticipantID == conn.ParticipantID &&
			existing.ID != conn.ID &&
			existing.Status != domain.ConnectionDisconnected {
			copied := cloneConnection(existing)
			replaced = &copied
			existing.Status = domain.ConnectionDisconnected
			at := conn.ConnectedAt
			existing.DisconnectedAt = &at
		}
	}

	stored := cloneConnection(&conn)
	s.conns[conn.ID] = &stored
	return replaced, nil
}

func (s *ConnectionStore) Get(_ context.Context, connectionID string) (domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[connectionID]
	if !ok {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	return cloneConnection(conn), nil
}

func (s *ConnectionStore) GetByParticipant(_ context.Context, sessionID, participantID string) (domain.Connection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.Connection
	for _, conn := range s.conns {
		if conn.SessionID != sessionID || conn.ParticipantID != participantID {
			continue
		}
		// Prefer the live connection; fall back to the most recent one.
		if best == nil || (conn.Status != domain.ConnectionDisconnected && best.Status == domain.ConnectionDisconnected) ||
			(conn.Status == best.Status && conn.ConnectedAt > best.ConnectedAt) {
			best = conn
		}
	}
	if best == nil {
		return domain.Connection{}, false, nil
	}
	return cloneConnection(best), true, nil
}

func (s *ConnectionStore) Mutate(_ context.Context, connectionID string, fn func(*domain.Connection) error) (domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connectionID]
	if !ok {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	if err := fn(conn); err != nil {
		return domain.Connection{}, err
	}
	return cloneConnection(conn), nil
}

func (s *ConnectionStore) ListBySession(_ context.Context, sessionID string) ([]domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Connection
	for _, conn := range s.conns {
		if conn.SessionID == sessionID {
			out = append(out, cloneConnection(conn))
		}
	}
	return out, nil
}

func (s *ConnectionStore) ResetAnswered(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.SessionID == sessionID {
			conn.QuestionAnswered = false
			if conn.Status == domain.ConnectionAnswering {
				conn.Status = domain.ConnectionConnected
			}
		}
	}
	return nil
}

func (s *ConnectionStore) MarkAnswered(_ context.Context, sessionID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.SessionID == sessionID && conn.ParticipantID == participantID {
			conn.QuestionAnswered = true
			if conn.Status == domain.ConnectionConnected {
				conn.Status = domain.ConnectionAnswering
			}
		}
	}
	return nil
}

func (s *ConnectionStore) Sessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, conn := range s.conns {
		if _, ok := seen[conn.SessionID]; !ok {
			seen[conn.SessionID] = struct{}{}
			out = append(out, conn.SessionID)
		}
	}
	return out, nil
}

func (s *ConnectionStore) Purge(_ context.Context, sessionID string, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, conn := range s.conns {
		if conn.SessionID != sessionID || conn.Status != domain.ConnectionDisconnected {
			continue
		}
		if conn.DisconnectedAt != nil && *conn.DisconnectedAt < cutoff {
			delete(s.conns, id)
			purged++
		}
	}
	return purged, nil
}

func cloneConnection(c *domain.Connection) domain.Connection {
	out := *c
	if c.DisconnectedAt != nil {
		v := *c.DisconnectedAt
		out.DisconnectedAt = &v
	}
	return out
}
