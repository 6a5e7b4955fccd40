package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// Constants shared by the transport services.
const (
	// DefaultChannelBufferSize defines the buffer size of every events channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long a transport waits on a full events channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Sender delivers a message to a chat. It is the only capability the corpus
// core needs from a transport.
type Sender interface {
	// SendMessage sends msg to chat. Delivery is best effort; an error means
	// the transport rejected the message.
	SendMessage(ctx context.Context, chat models.ChatRef, msg models.Message) error
}

// Downloader fetches an attachment referenced by an inbound image segment and
// stores it under dir, returning the local file path.
type Downloader interface {
	DownloadAttachment(ctx context.Context, ref string, dir string) (string, error)
}

// Service defines a pluggable chat transport.
// It supports sending messages and provides a channel of inbound message events.
type Service interface {
	Sender

	// Platform names the transport; it is stamped on every ChatRef the service emits.
	Platform() string

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns a channel of inbound message events.
	Events() <-chan models.MessageEvent
}

// Router is a Sender that delivers each message through the service named
// by the chat's platform.
type Router struct {
	services map[string]Service
}

// NewRouter indexes services by Platform.
func NewRouter(services ...Service) *Router {
	r := &Router{services: make(map[string]Service, len(services))}
	for _, svc := range services {
		r.services[svc.Platform()] = svc
	}
	return r
}

// SendMessage implements Sender.
func (r *Router) SendMessage(ctx context.Context, chat models.ChatRef, msg models.Message) error {
	svc, ok := r.services[chat.Platform]
	if !ok {
		return fmt.Errorf("no messaging service for platform %q", chat.Platform)
	}
	return svc.SendMessage(ctx, chat, msg)
}

// Downloaders returns the services that can fetch attachments, by platform.
func (r *Router) Downloaders() map[string]Downloader {
	out := make(map[string]Downloader)
	for platform, svc := range r.services {
		if d, ok := svc.(Downloader); ok {
			out[platform] = d
		}
	}
	return out
}
