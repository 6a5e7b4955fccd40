package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/util"
	"github.com/BTreeMap/CorpusPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// PlatformWhatsApp names the whatsmeow transport.
	PlatformWhatsApp = "whatsapp"
	// WAMediaPrefix prefixes the attachment ref of an inbound WhatsApp image;
	// the rest of the ref is the message id.
	WAMediaPrefix = "wa-media://"
	// DefaultMediaCacheSize bounds how many inbound images stay downloadable.
	DefaultMediaCacheSize = 256
)

// WhatsAppService implements Service and Downloader using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // Access to underlying client for event handling
	sink      *eventSink
	media     *mediaCache
	handlerID uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		sink:   newEventSink(PlatformWhatsApp),
		media:  newMediaCache(DefaultMediaCacheSize),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

func (s *WhatsAppService) Platform() string { return PlatformWhatsApp }

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the events channel.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	if s.sink.close() {
		slog.Info("WhatsAppService stopped and channels closed")
	}
	return nil
}

// Events returns the channel of inbound message events.
func (s *WhatsAppService) Events() <-chan models.MessageEvent {
	return s.sink.events
}

// SendMessage sends msg to chat.ID, which is a JID or a phone number.
func (s *WhatsAppService) SendMessage(ctx context.Context, chat models.ChatRef, msg models.Message) error {
	if s.sink.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, chat.ID, msg); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", chat.ID)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", chat.ID, "segments", len(msg))
	return nil
}

// DownloadAttachment resolves a wa-media:// ref of a recently received image.
func (s *WhatsAppService) DownloadAttachment(ctx context.Context, ref string, dir string) (string, error) {
	id, ok := strings.CutPrefix(ref, WAMediaPrefix)
	if !ok {
		return "", fmt.Errorf("not a WhatsApp media reference: %q", ref)
	}
	img, ok := s.media.get(id)
	if !ok {
		return "", fmt.Errorf("WhatsApp media %s is no longer cached", id)
	}
	data, err := s.client.DownloadImage(ctx, img)
	if err != nil {
		return "", err
	}
	return util.SaveImage(dir, data, util.ImageExt(img.GetMimetype()))
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	ev, ok := ConvertMessage(msg)
	if !ok {
		slog.Debug("WhatsAppService ignoring message", "id", msg.Info.ID)
		return
	}
	if img := msg.Message.GetImageMessage(); img != nil {
		s.media.put(ev.ID, img)
	}
	s.sink.emit(ev)
}

// ConvertMessage maps a whatsmeow message event to a MessageEvent. It
// reports false for the bot's own messages and for protocol messages
// (reactions, edits, revokes) that carry no user content.
func ConvertMessage(evt *events.Message) (models.MessageEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.MessageEvent{}, false
	}
	m := evt.Message
	if m.GetProtocolMessage() != nil || m.GetReactionMessage() != nil {
		return models.MessageEvent{}, false
	}

	var segs models.Message
	switch {
	case m.Conversation != nil:
		segs = append(segs, models.Text(m.GetConversation()))
	case m.GetExtendedTextMessage() != nil:
		segs = append(segs, models.Text(m.GetExtendedTextMessage().GetText()))
	case m.GetImageMessage() != nil:
		segs = append(segs, models.RemoteImage(WAMediaPrefix+string(evt.Info.ID)))
		if caption := m.GetImageMessage().GetCaption(); caption != "" {
			segs = append(segs, models.Text(caption))
		}
	case len(m.GetStickerMessage().GetFileSHA256()) > 0:
		segs = append(segs, models.Face(whatsapp.StickerFaceID(m.GetStickerMessage().GetFileSHA256())))
	default:
		segs = append(segs, models.Segment{Type: models.SegmentTypeOther, Raw: otherKind(m)})
	}

	chatType := models.ChatTypePrivate
	if evt.Info.IsGroup {
		chatType = models.ChatTypeGroup
	}
	return models.MessageEvent{
		ID:      string(evt.Info.ID),
		UserID:  evt.Info.Sender.ToNonAD().String(),
		Chat:    models.ChatRef{Platform: PlatformWhatsApp, ID: evt.Info.Chat.String(), Type: chatType},
		Message: segs,
		Time:    evt.Info.Timestamp,
	}, true
}

func otherKind(m *waE2E.Message) string {
	switch {
	case m.GetStickerMessage() != nil:
		return "sticker"
	case m.GetAudioMessage() != nil:
		return "audio"
	case m.GetVideoMessage() != nil:
		return "video"
	case m.GetDocumentMessage() != nil:
		return "document"
	case m.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

// mediaCache keeps the most recent inbound image messages by message id.
type mediaCache struct {
	mu    sync.Mutex
	limit int
	order []string
	items map[string]*waE2E.ImageMessage
}

func newMediaCache(limit int) *mediaCache {
	return &mediaCache{limit: limit, items: make(map[string]*waE2E.ImageMessage)}
}

func (c *mediaCache) put(id string, img *waE2E.ImageMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}
	c.items[id] = img
	for len(c.order) > c.limit {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *mediaCache) get(id string) (*waE2E.ImageMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.items[id]
	return img, ok
}
