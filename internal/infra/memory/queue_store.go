package memory

import (
	"context"
	"sync"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// QueueStore holds store-and-forward submissions in arrival order.
type QueueStore struct {
	mu      sync.Mutex
	entries []domain.QueuedResponse
	byID    map[string]int
}

var _ app.QueueStore = (*QueueStore)(nil)

func NewQueueStore() *QueueStore {
	return &QueueStore{byID: make(map[string]int)}
}

func (s *QueueStore) Enqueue(_ context.Context, q domain.QueuedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[q.ID] = len(s.entries)
	s.entries = append(s.entries, q)
	return nil
}

func (s *QueueStore) PullUnprocessed(_ context.Context, limit int) ([]domain.QueuedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = len(s.entries)
	}
	out := make([]domain.QueuedResponse, 0, limit)
	for _, entry := range s.entries {
		if entry.Processed {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *QueueStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil
	}
	s.entries[idx].Processed = true
	return nil
}
