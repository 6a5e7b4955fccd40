package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/twiliowhatsapp"
)

var (
	_ Service    = (*TwilioService)(nil)
	_ Downloader = (*TwilioService)(nil)
)

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"whatsapp:+15551234567", "+15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestConvertTwilioForm(t *testing.T) {
	form := url.Values{
		"MessageSid":        {"SM1"},
		"From":              {"whatsapp:+15551234567"},
		"Body":              {"hi"},
		"NumMedia":          {"2"},
		"MediaUrl0":         {"https://api.twilio.com/media/1"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl1":         {"https://api.twilio.com/media/2"},
		"MediaContentType1": {"audio/ogg"},
	}
	ev, err := ConvertTwilioForm(form)
	if err != nil {
		t.Fatalf("ConvertTwilioForm failed: %v", err)
	}
	if ev.ID != "SM1" || ev.UserID != "+15551234567" || ev.Chat.Type != models.ChatTypePrivate {
		t.Errorf("unexpected event identity: %+v", ev)
	}
	want := []models.SegmentType{models.SegmentTypeText, models.SegmentTypeImage, models.SegmentTypeOther}
	if len(ev.Message) != len(want) {
		t.Fatalf("got %d segments, want %d", len(ev.Message), len(want))
	}
	for i, typ := range want {
		if ev.Message[i].Type != typ {
			t.Errorf("segment %d = %s, want %s", i, ev.Message[i].Type, typ)
		}
	}
	if ev.Message[1].Data.URL != "https://api.twilio.com/media/1" {
		t.Errorf("image ref = %q", ev.Message[1].Data.URL)
	}

	if _, err := ConvertTwilioForm(url.Values{"From": {"whatsapp:+1"}}); err == nil {
		t.Error("expected error without MessageSid")
	}
	if _, err := ConvertTwilioForm(url.Values{"MessageSid": {"SM2"}, "From": {"whatsapp:+1"}}); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestTwilioSendMessageBodyAndMedia(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mediaDir := t.TempDir()
	svc := NewTwilioService(mock, WithMediaPublisher(mediaDir, "https://bot.example.com/"))

	inline := models.Segment{Type: models.SegmentTypeImage, Data: models.SegmentData{
		File: models.Base64Prefix + base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nrest")),
	}}
	msg := models.Message{
		models.Text("look "), models.Face("👀"), models.Face(models.StickerPrefixWhatsApp + "cafe"),
		inline, models.RemoteImage("https://cdn/x.png"),
	}
	chat := models.ChatRef{Platform: PlatformTwilio, ID: "+15551234567", Type: models.ChatTypePrivate}
	if err := svc.SendMessage(context.Background(), chat, msg); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "look 👀" {
		t.Errorf("body = %q", sent[0].Body)
	}
	if len(sent[0].MediaURLs) != 2 {
		t.Fatalf("media = %v", sent[0].MediaURLs)
	}
	published := sent[0].MediaURLs[0]
	if !strings.HasPrefix(published, "https://bot.example.com"+MediaRoute) || !strings.HasSuffix(published, ".png") {
		t.Errorf("published URL = %q", published)
	}
	if _, err := os.Stat(filepath.Join(mediaDir, strings.TrimPrefix(published, "https://bot.example.com"+MediaRoute))); err != nil {
		t.Errorf("published file missing: %v", err)
	}
	if sent[0].MediaURLs[1] != "https://cdn/x.png" {
		t.Errorf("remote image should pass through, got %q", sent[0].MediaURLs[1])
	}
}

func TestTwilioSendMessageChunksMedia(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	var msg models.Message
	for i := 0; i < twiliowhatsapp.MaxMediaPerMessage+2; i++ {
		msg = append(msg, models.RemoteImage("https://cdn/img.png"))
	}
	if err := svc.SendMessage(context.Background(), models.ChatRef{ID: "+15551234567"}, msg); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 2 || len(sent[0].MediaURLs) != twiliowhatsapp.MaxMediaPerMessage || len(sent[1].MediaURLs) != 2 {
		t.Errorf("unexpected chunking: %+v", sent)
	}
}

func TestTwilioSendMessageWithoutPublisherSkipsLocalImages(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	err := svc.SendMessage(context.Background(), models.ChatRef{ID: "+15551234567"}, models.Message{models.Image("/nope.png")})
	if err == nil {
		t.Fatal("expected error when nothing is deliverable")
	}
	if len(mock.Sent()) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestTwilioDownloadAttachment(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Media["https://api.twilio.com/media/1"] = []byte("\xff\xd8\xff\xe0jpeg")
	svc := NewTwilioService(mock)

	path, err := svc.DownloadAttachment(context.Background(), "https://api.twilio.com/media/1", t.TempDir())
	if err != nil {
		t.Fatalf("DownloadAttachment failed: %v", err)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Errorf("expected .jpg file, got %s", path)
	}
	if _, err := svc.DownloadAttachment(context.Background(), "wa-media://x", t.TempDir()); err == nil {
		t.Error("expected error for non-http ref")
	}
}

func postForm(t *testing.T, svc *TwilioService, form url.Values, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set("X-Twilio-Signature", sig)
	}
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, req)
	return rr
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rr := postForm(t, svc, url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+15551234567"}, "Body": {"hi"}}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	select {
	case ev := <-svc.Events():
		if ev.Chat.Platform != PlatformTwilio || !ev.Message.Equal(models.Message{models.Text("hi")}) {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an event")
	}

	if rr := postForm(t, svc, url.Values{"Body": {"hi"}}, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing fields status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/twilio/webhook", nil)
	get := httptest.NewRecorder()
	svc.TwilioWebhookHandler(get, req)
	if get.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", get.Code)
	}
}

func TestTwilioWebhookHandlerSignature(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Signature = "good"
	svc := NewTwilioService(mock, WithWebhookURL("https://bot.example.com/twilio/webhook"))
	form := url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+15551234567"}, "Body": {"hi"}}

	if rr := postForm(t, svc, form, "bad"); rr.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d", rr.Code)
	}
	if rr := postForm(t, svc, form, "good"); rr.Code != http.StatusOK {
		t.Errorf("good signature status = %d", rr.Code)
	}
}

func TestTwilioServiceStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), models.ChatRef{ID: "+15551234567"}, models.Message{models.Text("x")}); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendMessage after Stop = %v", err)
	}
	rr := postForm(t, svc, url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+1555"}, "Body": {"hi"}}, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("webhook after Stop status = %d", rr.Code)
	}
}
