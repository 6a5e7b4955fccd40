package store

import (
	"context"
	"time"
)

// DefaultEventRetention is how long inbound event ids are remembered.
// Transports only redeliver recent events, so older records are pruned.
const DefaultEventRetention = 7 * 24 * time.Hour

// InboundEvent is one recorded inbound event.
type InboundEvent struct {
	Platform   string
	EventID    string
	UserID     string
	ReceivedAt time.Time
	// HandledBy names the dispatcher handler that consumed the event, empty
	// while unprocessed or when no handler claimed it.
	HandledBy string
}

// DedupRepo records inbound events so that an event redelivered after a
// reconnect is not dispatched twice: a learn confirmation or a keyword reply
// must never be acted on twice.
type DedupRepo interface {
	// RecordEvent stores the event id and reports whether it was new.
	RecordEvent(ctx context.Context, platform, eventID, userID string) (bool, error)

	// MarkHandled records the handler that consumed a recorded event.
	MarkHandled(ctx context.Context, platform, eventID, handler string) error

	// PruneEvents forgets events received before cutoff and returns how many were removed.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type eventKey struct {
	platform string
	id       string
}

// Compile-time check that InMemoryStore implements DedupRepo.
var _ DedupRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) RecordEvent(ctx context.Context, platform, eventID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey{platform, eventID}
	if _, ok := s.inbound[key]; ok {
		return false, nil
	}
	s.inbound[key] = &InboundEvent{Platform: platform, EventID: eventID, UserID: userID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkHandled(ctx context.Context, platform, eventID, handler string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.inbound[eventKey{platform, eventID}]; ok {
		ev.HandledBy = handler
	}
	return nil
}

func (s *InMemoryStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, ev := range s.inbound {
		if ev.ReceivedAt.Before(cutoff) {
			delete(s.inbound, key)
			n++
		}
	}
	return n, nil
}

// Event returns a recorded event, for tests and diagnostics.
func (s *InMemoryStore) Event(platform, eventID string) (InboundEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.inbound[eventKey{platform, eventID}]
	if !ok {
		return InboundEvent{}, false
	}
	return *ev, true
}
