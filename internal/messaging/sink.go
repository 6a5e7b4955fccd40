package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// eventSink is the events channel of a transport. Emits after close are
// dropped instead of panicking, so callbacks from a client library may
// race with Stop.
type eventSink struct {
	platform string
	mu       sync.RWMutex
	stopped  bool
	events   chan models.MessageEvent
}

func newEventSink(platform string) *eventSink {
	return &eventSink{
		platform: platform,
		events:   make(chan models.MessageEvent, DefaultChannelBufferSize),
	}
}

// emit stamps the platform on ev and queues it, waiting at most
// DefaultChannelTimeout for room in the buffer.
func (s *eventSink) emit(ev models.MessageEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("eventSink.emit: service stopped, dropping event", "platform", s.platform, "eventID", ev.ID)
		return false
	}
	ev.Chat.Platform = s.platform
	select {
	case s.events <- ev:
		slog.Debug("eventSink.emit: event queued", "platform", s.platform, "eventID", ev.ID, "userID", ev.UserID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("eventSink.emit: events channel blocked, dropping event", "platform", s.platform, "eventID", ev.ID, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (s *eventSink) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// close closes the channel once; it reports whether this call closed it.
func (s *eventSink) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	close(s.events)
	return true
}
