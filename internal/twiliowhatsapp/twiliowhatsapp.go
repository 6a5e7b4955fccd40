// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in CorpusPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Constants for the Twilio client.
const (
	// MaxMediaPerMessage is the number of MediaUrl entries Twilio accepts per message.
	MaxMediaPerMessage = 10
	// DefaultMaxMediaBytes caps a downloaded inbound media file.
	DefaultMaxMediaBytes = 20 << 20
	// WhatsAppPrefix marks a WhatsApp address in Twilio's From/To fields.
	WhatsAppPrefix = "whatsapp:"
)

// TwilioWhatsAppSender is the Twilio capability set the messaging layer depends on.
type TwilioWhatsAppSender interface {
	// SendMessage sends body plus up to MaxMediaPerMessage public media URLs to an E.164 number.
	SendMessage(ctx context.Context, to string, body string, mediaURLs []string) error
	// DownloadMedia fetches an inbound MediaUrl using the account credentials.
	DownloadMedia(ctx context.Context, url string) ([]byte, string, error)
	// ValidateSignature checks the X-Twilio-Signature of a webhook request.
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// Opts holds configuration options for the Twilio WhatsApp client.
// This focuses solely on Twilio API requirements
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, used for the REST API and webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number ("whatsapp:+1234567890" or "+1234567890").
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	validator  twilioclient.RequestValidator
	accountSID string
	authToken  string
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
	http       *http.Client
}

// NewClient creates a Twilio client. Missing options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &Client{
		client:     client,
		validator:  twilioclient.NewRequestValidator(cfg.AuthToken),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromWhats:  Address(cfg.FromWhats),
		http:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Address returns number in Twilio's "whatsapp:+E164" form.
func Address(number string) string {
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	return WhatsAppPrefix + number
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string, mediaURLs []string) error {
	if len(mediaURLs) > MaxMediaPerMessage {
		return fmt.Errorf("too many media URLs: %d > %d", len(mediaURLs), MaxMediaPerMessage)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	if body != "" {
		params.SetBody(body)
	}
	if len(mediaURLs) > 0 {
		params.SetMediaUrl(mediaURLs)
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp.Sid != nil {
		slog.Debug("Twilio message sent", "to", to, "sid", *resp.Sid, "media", len(mediaURLs))
	}
	return nil
}

// DownloadMedia fetches a Twilio-hosted media file. Twilio media URLs need
// the account credentials as basic auth.
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build media request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("media request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media request returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > DefaultMaxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", DefaultMaxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// ValidateSignature checks a webhook signature against the full public URL
// Twilio posted to and the form parameters of the request.
func (c *Client) ValidateSignature(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// SentMessage records one MockClient.SendMessage call.
type SentMessage struct {
	To        string
	Body      string
	MediaURLs []string
}

// MockClient implements TwilioWhatsAppSender without network access (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Media        map[string][]byte
	// Signature is the only signature ValidateSignature accepts.
	Signature string
	SendError error
}

func NewMockClient() *MockClient {
	return &MockClient{Media: make(map[string][]byte)}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string, mediaURLs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendError != nil {
		return m.SendError
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, MediaURLs: mediaURLs})
	return nil
}

func (m *MockClient) DownloadMedia(ctx context.Context, url string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Media[url]
	if !ok {
		return nil, "", fmt.Errorf("media %s not found", url)
	}
	return data, http.DetectContentType(data), nil
}

func (m *MockClient) ValidateSignature(url string, params map[string]string, signature string) bool {
	return signature != "" && signature == m.Signature
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
