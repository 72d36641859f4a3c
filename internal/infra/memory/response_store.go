package memory

import (
	"context"
	"sync"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// ResponseStore keeps accepted answers keyed by the (session, question,
// participant) triple; the map key is the uniqueness constraint, so exactly
// one of any set of concurrent submissions for a triple wins.
type ResponseStore struct {
	mu        sync.RWMutex
	byTriple  map[string]domain.Response
	bySession map[string][]string // session id -> triple keys, insertion order
}

var _ app.ResponseStore = (*ResponseStore)(nil)

func NewResponseStore() *ResponseStore {
	return &ResponseStore{
		byTriple:  make(map[string]domain.Response),
		bySession: make(map[string][]string),
	}
}

func tripleKey(sessionID, questionID, participantID string) string {
	return sessionID + "|" + questionID + "|" + participantID
}

func (s *ResponseStore) Create(_ context.Context, r domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tripleKey(r.SessionID, r.QuestionID, r.ParticipantID)
	if _, exists := s.byTriple[key]; exists {
		return domain.ErrDuplicateResponse
	}
	s.byTriple[key] = r
	s.bySession[r.SessionID] = append(s.bySession[r.SessionID], key)
	return nil
}

func (s *ResponseStore) Get(_ context.Context, sessionID, questionID, participantID string) (domain.Response, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byTriple[tripleKey(sessionID, questionID, participantID)]
	return r, ok, nil
}

func (s *ResponseStore) ListBySession(_ context.Context, sessionID string) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.bySession[sessionID]
	out := make([]domain.Response, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.byTriple[key])
	}
	return out, nil
}
