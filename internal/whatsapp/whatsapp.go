// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in CorpusPipe.
//
// It provides login, segment-aware sending (text and images), and media
// download for inbound image messages.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/corpuspipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// StickerFacePrefix marks a face id derived from an inbound sticker.
	StickerFacePrefix = models.StickerPrefixWhatsApp
)

// StickerFaceID identifies a sticker by the SHA-256 of its file, which is
// stable across every send of the same sticker.
func StickerFaceID(fileSHA256 []byte) string {
	return StickerFacePrefix + hex.EncodeToString(fileSHA256)
}

// WhatsAppSender is the part of the client the messaging layer depends on
// (for production and testing).
type WhatsAppSender interface {
	// SendMessage delivers msg to a chat JID (or a bare phone number).
	SendMessage(ctx context.Context, to string, msg models.Message) error
	// DownloadImage fetches and decrypts the media of an inbound image message.
	DownloadImage(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// On first run it blocks until the QR code (or numeric code) login completes.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event != "code" {
				slog.Info("WhatsApp login event", "event", evt.Event)
				continue
			}
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// ParseRecipient accepts a full JID ("123@g.us") or a bare phone number.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix), nil
}

// Outgoing is one WhatsApp message produced from a segment message.
// WhatsApp carries either text or a single image per message.
type Outgoing struct {
	Text  string
	Image []byte
}

// SplitOutgoing flattens msg into WhatsApp messages: consecutive text and
// face segments are joined, every image becomes its own message. Faces are
// rendered by id, which on WhatsApp is the emoji itself. Sticker faces are
// dropped: only the hash of the sticker is known, not its media.
func SplitOutgoing(msg models.Message) ([]Outgoing, error) {
	var out []Outgoing
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			out = append(out, Outgoing{Text: text.String()})
			text.Reset()
		}
	}
	for _, seg := range msg {
		switch seg.Type {
		case models.SegmentTypeText:
			text.WriteString(seg.Data.Text)
		case models.SegmentTypeFace:
			if models.IsStickerFace(seg.Data.ID) {
				slog.Debug("WhatsApp SplitOutgoing skipping sticker face", "id", seg.Data.ID)
				continue
			}
			text.WriteString(seg.Data.ID)
		case models.SegmentTypeImage:
			flush()
			data, err := imageBytes(seg)
			if err != nil {
				return nil, err
			}
			out = append(out, Outgoing{Image: data})
		default:
			slog.Debug("WhatsApp SplitOutgoing skipping segment", "type", seg.Type)
		}
	}
	flush()
	return out, nil
}

func imageBytes(seg models.Segment) ([]byte, error) {
	file := seg.Data.File
	if payload, ok := strings.CutPrefix(file, models.Base64Prefix); ok {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid inline image: %w", err)
		}
		return data, nil
	}
	if file == "" {
		return nil, fmt.Errorf("image segment has no local file (ref %q)", seg.Data.URL)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", file, err)
	}
	return data, nil
}

// SendMessage sends a segment message to the specified chat.
func (c *Client) SendMessage(ctx context.Context, to string, msg models.Message) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	parts, err := SplitOutgoing(msg)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("message body cannot be empty")
	}

	for _, part := range parts {
		var waMsg *waE2E.Message
		if part.Image != nil {
			waMsg, err = c.imageMessage(ctx, part.Image)
			if err != nil {
				return err
			}
		} else {
			waMsg = &waE2E.Message{Conversation: proto.String(part.Text)}
		}
		if _, err := c.waClient.SendMessage(ctx, jid, waMsg); err != nil {
			slog.Error("Failed to send WhatsApp message", "error", err, "to", jid.String())
			return fmt.Errorf("failed to send message to %s: %w", jid.String(), err)
		}
	}
	slog.Debug("WhatsApp message sent successfully", "to", jid.String(), "parts", len(parts))
	return nil
}

func (c *Client) imageMessage(ctx context.Context, data []byte) (*waE2E.Message, error) {
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}
	return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		Mimetype:      proto.String(http.DetectContentType(data)),
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
	}}, nil
}

// DownloadImage fetches and decrypts the media of an inbound image message.
func (c *Client) DownloadImage(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error) {
	if c.waClient == nil {
		return nil, fmt.Errorf("whatsapp client not initialized")
	}
	data, err := c.waClient.Download(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to download WhatsApp media: %w", err)
	}
	return data, nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Sent records one call to MockClient.SendMessage.
type Sent struct {
	To      string
	Message models.Message
}

// MockClient implements WhatsAppSender without a WhatsApp connection (for tests).
type MockClient struct {
	mu        sync.Mutex
	sent      []Sent
	media     map[string][]byte // keyed by ImageMessage.DirectPath
	SendError error
}

func NewMockClient() *MockClient {
	return &MockClient{media: make(map[string][]byte)}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendError != nil {
		return m.SendError
	}
	m.sent = append(m.sent, Sent{To: to, Message: msg.Clone()})
	return nil
}

// AddMedia makes DownloadImage return data for images with directPath.
func (m *MockClient) AddMedia(directPath string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[directPath] = data
}

func (m *MockClient) DownloadImage(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.media[img.GetDirectPath()]
	if !ok {
		return nil, fmt.Errorf("media %q not found", img.GetDirectPath())
	}
	return data, nil
}

// Sent returns a copy of every message sent so far.
func (m *MockClient) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}
