package app

import (
	"sync"

	"classquiz-engine/internal/domain"
)

// broadcaster fans state snapshots out to per-session subscriber channels.
// SSE writers subscribe; lifecycle mutations publish.
type broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.StateSnapshot]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]map[chan domain.StateSnapshot]struct{})}
}

// subscribe returns a buffered channel of snapshots for the session. The
// caller must invoke the returned cancel function to avoid leaks.
func (b *broadcaster) subscribe(sessionID string) (<-chan domain.StateSnapshot, func()) {
	ch := make(chan domain.StateSnapshot, 8)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan domain.StateSnapshot]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[sessionID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers the snapshot to every subscriber. A slow client's oldest
// pending update is dropped rather than blocking the broadcast.
func (b *broadcaster) publish(sessionID string, snap domain.StateSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
