// Package testutil provides common test utilities and helpers for CorpusPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// MockPlatform is the platform name stamped on events built by this package.
const MockPlatform = "mock"

// Sent is one message recorded by MockService.
type Sent struct {
	Chat    models.ChatRef
	Message models.Message
}

// MockService is an in-memory messaging.Service that records every outgoing
// message. It also acts as a messaging.Downloader backed by a map of refs.
type MockService struct {
	mu        sync.Mutex
	sent      []Sent
	events    chan models.MessageEvent
	sendErr   error
	downloads map[string][]byte
	failRefs  map[string]error
	fetched   int
}

// Compile-time checks.
var (
	_ messaging.Service    = (*MockService)(nil)
	_ messaging.Downloader = (*MockService)(nil)
)

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{
		events:    make(chan models.MessageEvent, 64),
		downloads: make(map[string][]byte),
		failRefs:  make(map[string]error),
	}
}

func (m *MockService) Platform() string { return MockPlatform }

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.events)
	return nil
}

func (m *MockService) Events() <-chan models.MessageEvent { return m.events }

// Push queues an inbound event for Events consumers.
func (m *MockService) Push(ev models.MessageEvent) { m.events <- ev }

func (m *MockService) SendMessage(ctx context.Context, chat models.ChatRef, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, Sent{Chat: chat, Message: msg.Clone()})
	return nil
}

// FailSends makes every following SendMessage return err (nil restores delivery).
func (m *MockService) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of every recorded message.
func (m *MockService) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// Texts returns the plain text of every recorded message.
func (m *MockService) Texts() []string {
	var out []string
	for _, s := range m.Sent() {
		out = append(out, s.Message.PlainText())
	}
	return out
}

// Reset forgets every recorded message.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// AddDownload makes ref downloadable with the given content.
func (m *MockService) AddDownload(ref string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[ref] = data
	delete(m.failRefs, ref)
}

// FailDownload makes every download of ref return err.
func (m *MockService) FailDownload(ref string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRefs[ref] = err
}

func (m *MockService) DownloadAttachment(ctx context.Context, ref string, dir string) (string, error) {
	m.mu.Lock()
	err, failing := m.failRefs[ref]
	data, ok := m.downloads[ref]
	if ok && !failing {
		m.fetched++
	}
	n := m.fetched
	m.mu.Unlock()
	if failing {
		return "", err
	}
	if !ok {
		return "", errors.New("unknown attachment " + ref)
	}
	path := filepath.Join(dir, fmt.Sprintf("download-%d.bin", n))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Downloads returns how many attachments were fetched successfully.
func (m *MockService) Downloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetched
}

// Event builds an inbound event for userID in a chat of type ct.
func Event(userID string, ct models.ChatType, segs ...models.Segment) models.MessageEvent {
	chatID := userID
	if ct == models.ChatTypeGroup {
		chatID = "group-1"
	}
	return models.MessageEvent{
		UserID:  userID,
		Chat:    models.ChatRef{Platform: MockPlatform, ID: chatID, Type: ct},
		Message: models.Message(segs),
		Time:    time.Now(),
	}
}

// TextEvent builds a private-chat event carrying a single text segment.
func TextEvent(userID, text string) models.MessageEvent {
	return Event(userID, models.ChatTypePrivate, models.Text(text))
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
