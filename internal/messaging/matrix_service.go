package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/matrix"
	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/util"
	"maunium.net/go/mautrix/event"
)

// PlatformMatrix names the Matrix transport.
const PlatformMatrix = "matrix"

// MaxPrivateRoomMembers is the largest room still treated as a private chat
// (the user and the bot).
const MaxPrivateRoomMembers = 2

// MatrixClient is the part of matrix.Client the service depends on.
type MatrixClient interface {
	Start(ctx context.Context, handler matrix.MessageHandler) error
	Stop()
	SendMessage(ctx context.Context, roomID string, msg models.Message) error
	DownloadMedia(ctx context.Context, mxc string) ([]byte, error)
	MemberCount(ctx context.Context, roomID string) (int, error)
}

// MatrixService implements Service and Downloader on top of a Matrix client.
type MatrixService struct {
	client MatrixClient
	sink   *eventSink
}

// NewMatrixService creates a MatrixService.
func NewMatrixService(client MatrixClient) *MatrixService {
	return &MatrixService{client: client, sink: newEventSink(PlatformMatrix)}
}

func (s *MatrixService) Platform() string { return PlatformMatrix }

// Start begins syncing.
func (s *MatrixService) Start(ctx context.Context) error {
	return s.client.Start(ctx, s.handleEvent)
}

// Stop stops syncing and closes the events channel.
func (s *MatrixService) Stop() error {
	s.client.Stop()
	if s.sink.close() {
		slog.Info("MatrixService stopped")
	}
	return nil
}

// Events returns the channel of inbound message events.
func (s *MatrixService) Events() <-chan models.MessageEvent {
	return s.sink.events
}

// SendMessage sends msg to the room chat.ID.
func (s *MatrixService) SendMessage(ctx context.Context, chat models.ChatRef, msg models.Message) error {
	if s.sink.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, chat.ID, msg); err != nil {
		slog.Error("MatrixService SendMessage error", "error", err, "room", chat.ID)
		return err
	}
	return nil
}

// DownloadAttachment fetches an mxc:// image into dir.
func (s *MatrixService) DownloadAttachment(ctx context.Context, ref string, dir string) (string, error) {
	if !strings.HasPrefix(ref, "mxc://") {
		return "", fmt.Errorf("not a Matrix content URI: %q", ref)
	}
	data, err := s.client.DownloadMedia(ctx, ref)
	if err != nil {
		return "", err
	}
	return util.SaveImage(dir, data, util.ImageExt(http.DetectContentType(data)))
}

func (s *MatrixService) handleEvent(ctx context.Context, evt *event.Event) {
	chatType := models.ChatTypeGroup
	n, err := s.client.MemberCount(ctx, string(evt.RoomID))
	if err != nil {
		slog.Warn("MatrixService: member count failed, assuming group", "room", evt.RoomID, "error", err)
	} else if n <= MaxPrivateRoomMembers {
		chatType = models.ChatTypePrivate
	}
	ev, ok := ConvertMatrixEvent(evt, chatType)
	if !ok {
		return
	}
	s.sink.emit(ev)
}

// ConvertMatrixEvent maps an m.room.message or m.sticker event to a
// MessageEvent. A sticker becomes a face keyed by its mxc URI. Edits and
// encrypted media are not user content and report false.
func ConvertMatrixEvent(evt *event.Event, chatType models.ChatType) (models.MessageEvent, bool) {
	if evt == nil {
		return models.MessageEvent{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.NewContent != nil {
		return models.MessageEvent{}, false
	}

	var seg models.Segment
	switch {
	case evt.Type == event.EventSticker:
		if content.URL == "" {
			return models.MessageEvent{}, false
		}
		seg = models.Face(string(content.URL))
	case content.MsgType == "":
		return models.MessageEvent{}, false
	case content.MsgType == event.MsgText, content.MsgType == event.MsgNotice, content.MsgType == event.MsgEmote:
		seg = models.Text(content.Body)
	case content.MsgType == event.MsgImage:
		if content.URL == "" {
			return models.MessageEvent{}, false
		}
		seg = models.RemoteImage(string(content.URL))
	default:
		seg = models.Segment{Type: models.SegmentTypeOther, Raw: string(content.MsgType)}
	}

	return models.MessageEvent{
		ID:      string(evt.ID),
		UserID:  string(evt.Sender),
		Chat:    models.ChatRef{Platform: PlatformMatrix, ID: string(evt.RoomID), Type: chatType},
		Message: models.Message{seg},
		Time:    time.UnixMilli(evt.Timestamp),
	}, true
}
