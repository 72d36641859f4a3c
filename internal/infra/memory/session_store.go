package memory

import (
	"context"
	"sync"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// SessionStore is the in-memory implementation of app.SessionStore. A single
// store-wide mutex serializes lifecycle mutations, so the precondition check
// inside Mutate's fn is consistent with the write.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

var _ app.SessionStore = (*SessionStore)(nil)

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*domain.Session)}
}

func (s *SessionStore) Create(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneSession(session)
	s.sessions[session.ID] = &stored
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *SessionStore) Mutate(_ context.Context, id string, fn func(*domain.Session) error) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err := fn(session); err != nil {
		return domain.Session{}, err
	}
	return cloneSession(session), nil
}

func (s *SessionStore) OpenForActivity(_ context.Context, activityID string) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []domain.Session
	for _, session := range s.sessions {
		if session.ActivityID != activityID {
			continue
		}
		if session.Status == domain.SessionActive || session.Status == domain.SessionPaused {
			open = append(open, cloneSession(session))
		}
	}
	return open, nil
}

// cloneSession copies the row so callers never alias stored state.
func cloneSession(s *domain.Session) domain.Session {
	out := *s
	if s.QuestionOrder != nil {
		out.QuestionOrder = append([]int(nil), s.QuestionOrder...)
	}
	if s.PausedAt != nil {
		v := *s.PausedAt
		out.PausedAt = &v
	}
	if s.TimerRemaining != nil {
		v := *s.TimerRemaining
		out.TimerRemaining = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		out.CompletedAt = &v
	}
	return out
}
