// Package matrix provides the Matrix client used by the Matrix transport.
package matrix

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AutoJoin accepts every room invite addressed to the bot.
	AutoJoin bool
}

// MessageHandler processes incoming Matrix messages
type MessageHandler func(ctx context.Context, evt *event.Event)

// Client wraps the Matrix client
type Client struct {
	client    *mautrix.Client
	config    Config
	stopCh    chan struct{}
	startedAt time.Time
}

// New creates a new Matrix client
func New(config Config) (*Client, error) {
	if config.Homeserver == "" || config.UserID == "" || config.AccessToken == "" {
		return nil, fmt.Errorf("homeserver, user id and access token must be provided")
	}
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}, nil
}

// Start registers handler for room messages and begins syncing in the
// background. Messages sent before Start are ignored, since the sync token
// is not persisted and the first sync replays recent history.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.startedAt = time.Now()
	slog.Warn("Matrix E2EE is not enabled; only unencrypted rooms are served")

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected Matrix syncer type %T", c.client.Syncer)
	}
	onMessage := func(ctx context.Context, evt *event.Event) {
		if evt.Sender == id.UserID(c.config.UserID) {
			return
		}
		if time.UnixMilli(evt.Timestamp).Before(c.startedAt) {
			return
		}
		handler(ctx, evt)
	}
	syncer.OnEventType(event.EventMessage, onMessage)
	syncer.OnEventType(event.EventSticker, onMessage)
	if c.config.AutoJoin {
		syncer.OnEventType(event.StateMember, c.handleMembership)
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.client.SyncWithContext(ctx)
			if err == nil {
				return
			}
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop stops the Matrix client
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.client.StopSync()
}

func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.config.UserID {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("Matrix joinRoom: access denied, continuing", "room", evt.RoomID)
			return
		}
		slog.Error("Matrix joinRoom failed", "room", evt.RoomID, "error", err)
		return
	}
	slog.Info("Matrix joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}

// SendMessage sends msg to a room. Text and face segments are merged into
// m.text events, except that a face holding an mxc URI is a sticker and
// goes out as m.sticker. Every image is uploaded and sent as m.image.
func (c *Client) SendMessage(ctx context.Context, roomID string, msg models.Message) error {
	room := id.RoomID(roomID)
	var text strings.Builder
	flush := func() error {
		if text.Len() == 0 {
			return nil
		}
		_, err := c.client.SendText(ctx, room, text.String())
		text.Reset()
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		return nil
	}

	for _, seg := range msg {
		switch seg.Type {
		case models.SegmentTypeText:
			text.WriteString(seg.Data.Text)
		case models.SegmentTypeFace:
			if !models.IsStickerFace(seg.Data.ID) {
				text.WriteString(seg.Data.ID)
				continue
			}
			if !IsSticker(seg.Data.ID) {
				slog.Debug("Matrix SendMessage skipping foreign sticker face", "id", seg.Data.ID)
				continue
			}
			if err := flush(); err != nil {
				return err
			}
			content := event.MessageEventContent{Body: "sticker", URL: id.ContentURIString(seg.Data.ID)}
			if _, err := c.client.SendMessageEvent(ctx, room, event.EventSticker, &content); err != nil {
				return fmt.Errorf("failed to send sticker: %w", err)
			}
		case models.SegmentTypeImage:
			if err := flush(); err != nil {
				return err
			}
			if err := c.sendImage(ctx, room, seg); err != nil {
				return err
			}
		}
	}
	return flush()
}

// IsSticker reports whether a face id names a Matrix sticker.
func IsSticker(faceID string) bool {
	return strings.HasPrefix(faceID, models.StickerPrefixMatrix)
}

func (c *Client) sendImage(ctx context.Context, room id.RoomID, seg models.Segment) error {
	content := event.MessageEventContent{MsgType: event.MsgImage, Body: "image"}
	if strings.HasPrefix(seg.Data.URL, "mxc://") && seg.Data.File == "" {
		content.URL = id.ContentURIString(seg.Data.URL)
	} else {
		data, err := imageBytes(seg)
		if err != nil {
			return err
		}
		mimeType := http.DetectContentType(data)
		uploaded, err := c.client.UploadBytes(ctx, data, mimeType)
		if err != nil {
			return fmt.Errorf("failed to upload image: %w", err)
		}
		content.URL = uploaded.ContentURI.CUString()
		content.Info = &event.FileInfo{MimeType: mimeType, Size: len(data)}
		if seg.Data.File != "" && !strings.HasPrefix(seg.Data.File, models.Base64Prefix) {
			content.Body = filepath.Base(seg.Data.File)
		}
	}
	if _, err := c.client.SendMessageEvent(ctx, room, event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send image: %w", err)
	}
	return nil
}

func imageBytes(seg models.Segment) ([]byte, error) {
	if payload, ok := strings.CutPrefix(seg.Data.File, models.Base64Prefix); ok {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid inline image: %w", err)
		}
		return data, nil
	}
	if seg.Data.File == "" {
		return nil, fmt.Errorf("image segment has no content")
	}
	data, err := os.ReadFile(seg.Data.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// DownloadMedia fetches an mxc:// URI from the media repository.
func (c *Client) DownloadMedia(ctx context.Context, mxc string) ([]byte, error) {
	uri, err := id.ParseContentURI(mxc)
	if err != nil {
		return nil, fmt.Errorf("invalid content URI %q: %w", mxc, err)
	}
	data, err := c.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", mxc, err)
	}
	return data, nil
}

// MemberCount returns the number of joined members of a room.
func (c *Client) MemberCount(ctx context.Context, roomID string) (int, error) {
	resp, err := c.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return 0, fmt.Errorf("failed to get members of %s: %w", roomID, err)
	}
	return len(resp.Joined), nil
}

// GetUserID returns the client's user ID
func (c *Client) GetUserID() string {
	return c.config.UserID
}
