package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CorpusPipe/internal/util"
)

// PlatformTwilio names the Twilio WhatsApp transport.
const PlatformTwilio = "twilio"

// MediaRoute is the HTTP path prefix under which published outbound images are served.
const MediaRoute = "/media/"

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithMediaPublisher lets the service send local and inline images: they are
// copied into dir and referenced as baseURL+MediaRoute+name, which the API
// server must expose publicly. Without it outbound images are skipped.
func WithMediaPublisher(dir, baseURL string) TwilioOption {
	return func(s *TwilioService) {
		s.mediaDir = dir
		s.mediaBaseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithWebhookURL enables X-Twilio-Signature validation against the public webhook URL.
func WithWebhookURL(u string) TwilioOption {
	return func(s *TwilioService) {
		s.webhookURL = u
	}
}

// TwilioService implements Service and Downloader using the Twilio API.
// Inbound messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client       twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	sink         *eventSink
	mediaDir     string
	mediaBaseURL string
	webhookURL   string
}

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client: client,
		sink:   newEventSink(PlatformTwilio),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TwilioService) Platform() string { return PlatformTwilio }

// MediaDir returns the published media directory, empty when publishing is off.
func (s *TwilioService) MediaDir() string { return s.mediaDir }

// ValidateAndCanonicalizeRecipient validates a WhatsApp phone number and
// returns it in E.164 form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix), "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return "+" + canonical, nil
}

// Start is a no-op for Twilio; events are pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the events channel.
func (s *TwilioService) Stop() error {
	if s.sink.close() {
		slog.Info("TwilioService stopped")
	}
	return nil
}

// Events returns the channel of inbound message events.
func (s *TwilioService) Events() <-chan models.MessageEvent {
	return s.sink.events
}

// SendMessage sends msg via Twilio. Text and face segments form the body;
// images are attached as media URLs, in chunks of MaxMediaPerMessage.
func (s *TwilioService) SendMessage(ctx context.Context, chat models.ChatRef, msg models.Message) error {
	if s.sink.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(chat.ID)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", chat.ID)
		return err
	}

	var body strings.Builder
	var media []string
	for _, seg := range msg {
		switch seg.Type {
		case models.SegmentTypeText:
			body.WriteString(seg.Data.Text)
		case models.SegmentTypeFace:
			if models.IsStickerFace(seg.Data.ID) {
				slog.Debug("TwilioService SendMessage skipping sticker face", "id", seg.Data.ID, "to", to)
				continue
			}
			body.WriteString(seg.Data.ID)
		case models.SegmentTypeImage:
			u, err := s.mediaURL(seg)
			if err != nil {
				slog.Warn("TwilioService SendMessage skipping image", "error", err, "to", to)
				continue
			}
			media = append(media, u)
		}
	}
	if body.Len() == 0 && len(media) == 0 {
		return fmt.Errorf("message has nothing Twilio can deliver")
	}

	text := body.String()
	for first := true; first || len(media) > 0; first = false {
		n := min(len(media), twiliowhatsapp.MaxMediaPerMessage)
		if err := s.client.SendMessage(ctx, to, text, media[:n]); err != nil {
			return err
		}
		text, media = "", media[n:]
	}
	return nil
}

// mediaURL returns a public URL for an image segment.
func (s *TwilioService) mediaURL(seg models.Segment) (string, error) {
	if seg.Data.File == "" && strings.HasPrefix(seg.Data.URL, "http") {
		return seg.Data.URL, nil
	}
	if s.mediaDir == "" || s.mediaBaseURL == "" {
		return "", fmt.Errorf("no media publisher configured")
	}

	var data []byte
	if payload, ok := strings.CutPrefix(seg.Data.File, models.Base64Prefix); ok {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("invalid inline image: %w", err)
		}
		data = decoded
	} else if seg.Data.File != "" {
		raw, err := os.ReadFile(seg.Data.File)
		if err != nil {
			return "", fmt.Errorf("failed to read image: %w", err)
		}
		data = raw
	} else {
		return "", fmt.Errorf("image segment has no content")
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + util.ImageExt(http.DetectContentType(data))
	if _, err := util.SaveImageAs(s.mediaDir, name, data); err != nil {
		return "", err
	}
	return s.mediaBaseURL + MediaRoute + name, nil
}

// DownloadAttachment fetches an inbound Twilio MediaUrl into dir.
func (s *TwilioService) DownloadAttachment(ctx context.Context, ref string, dir string) (string, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return "", fmt.Errorf("not a Twilio media URL: %q", ref)
	}
	data, contentType, err := s.client.DownloadMedia(ctx, ref)
	if err != nil {
		return "", err
	}
	return util.SaveImage(dir, data, util.ImageExt(contentType))
}

// ConvertTwilioForm maps the form of an inbound Twilio webhook to a
// MessageEvent. Twilio WhatsApp conversations are always one-to-one.
func ConvertTwilioForm(form url.Values) (models.MessageEvent, error) {
	sid := form.Get("MessageSid")
	from := strings.TrimPrefix(form.Get("From"), twiliowhatsapp.WhatsAppPrefix)
	if sid == "" || from == "" {
		return models.MessageEvent{}, fmt.Errorf("missing MessageSid or From")
	}

	var segs models.Message
	if body := form.Get("Body"); body != "" {
		segs = append(segs, models.Text(body))
	}
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	for i := 0; i < numMedia; i++ {
		idx := strconv.Itoa(i)
		mediaURL := form.Get("MediaUrl" + idx)
		if mediaURL == "" {
			continue
		}
		contentType := form.Get("MediaContentType" + idx)
		if strings.HasPrefix(contentType, "image/") {
			segs = append(segs, models.RemoteImage(mediaURL))
		} else {
			segs = append(segs, models.Segment{Type: models.SegmentTypeOther, Raw: contentType})
		}
	}
	if len(segs) == 0 {
		return models.MessageEvent{}, fmt.Errorf("message %s has no content", sid)
	}

	return models.MessageEvent{
		ID:      sid,
		UserID:  from,
		Chat:    models.ChatRef{Platform: PlatformTwilio, ID: from, Type: models.ChatTypePrivate},
		Message: segs,
		Time:    time.Now(),
	}, nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits
// them on the events channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService webhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.client.ValidateSignature(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService webhook: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	ev, err := ConvertTwilioForm(r.PostForm)
	if err != nil {
		slog.Warn("TwilioService webhook: unusable message", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	slog.Info("TwilioService webhook: inbound message", "from", ev.UserID, "sid", ev.ID, "segments", len(ev.Message))

	if !s.sink.emit(ev) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
