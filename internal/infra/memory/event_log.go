package memory

import (
	"context"
	"sync"

	"classquiz-engine/internal/app"
	"classquiz-engine/internal/domain"
)

// EventLog is an append-only in-memory audit trail per session.
type EventLog struct {
	mu     sync.RWMutex
	events map[string][]domain.LogEvent
}

var _ app.EventLog = (*EventLog)(nil)

func NewEventLog() *EventLog {
	return &EventLog{events: make(map[string][]domain.LogEvent)}
}

func (l *EventLog) Append(_ context.Context, e domain.LogEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[e.SessionID] = append(l.events[e.SessionID], e)
	return nil
}

// ListBySession returns the most recent events, newest first.
func (l *EventLog) ListBySession(_ context.Context, sessionID string, limit int) ([]domain.LogEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := l.events[sessionID]
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]domain.LogEvent, 0, limit)
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}
