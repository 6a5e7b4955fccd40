// Package flow runs the multi-step learn and forget conversations.
//
// An Engine owns at most one open Flow per user. Every inbound message of a
// user with an open flow is routed to that flow instead of the matcher, and a
// flow that sees no message for the configured timeout is closed with a
// timeout notice.
package flow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// Engine defaults.
const (
	DefaultTimeout      = 5 * time.Minute
	DefaultTickInterval = time.Second
)

// QuitWord ends any open flow when sent as the first, text segment of a message.
const QuitWord = "退出"

// Kind names a flow for logs.
type Kind string

const (
	KindLearn  Kind = "learn"
	KindForget Kind = "forget"
)

// Outcome is the result of feeding one message to a flow.
type Outcome struct {
	// Reply is sent back to the user when non-empty.
	Reply models.Message
	// Done closes the flow.
	Done bool
}

// Flow is one multi-step conversation driven by an Engine.
type Flow interface {
	Kind() Kind
	// Prompt is sent when the flow starts.
	Prompt() models.Message
	// Step consumes the user's next message. It is never called concurrently
	// for the same flow.
	Step(ctx context.Context, ev models.MessageEvent) (Outcome, error)
	QuitNotice() models.Message
	TimeoutNotice() models.Message
}

type session struct {
	mu       sync.Mutex
	key      string
	chat     models.ChatRef
	flow     Flow
	deadline time.Time
	done     bool
}

// Opts holds configuration options for an Engine.
type Opts struct {
	Timeout      time.Duration
	TickInterval time.Duration
	Clock        func() time.Time
}

// Option defines a configuration option for an Engine.
type Option func(*Opts)

// WithTimeout sets how long a flow may sit idle before it is closed.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithTickInterval sets how often Run looks for idle flows.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.TickInterval = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = now
	}
}

// Engine tracks open flows, one per user.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	sender   messaging.Sender
	opts     Opts
}

// NewEngine creates an Engine that talks to users through sender.
func NewEngine(sender messaging.Sender, opts ...Option) *Engine {
	cfg := Opts{Timeout: DefaultTimeout, TickInterval: DefaultTickInterval, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Engine{sessions: make(map[string]*session), sender: sender, opts: cfg}
}

func sessionKey(platform, userID string) string {
	return platform + ":" + userID
}

// Start opens flow for the sender of ev and sends its prompt. It returns
// models.ErrAlreadyInFlow if the user already has an open flow of any kind.
func (e *Engine) Start(ctx context.Context, ev models.MessageEvent, flow Flow) error {
	if ev.UserID == "" {
		return models.ErrEmptyUserID
	}
	key := sessionKey(ev.Chat.Platform, ev.UserID)
	now := e.opts.Clock()

	e.mu.Lock()
	if old, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		if !e.expireIfIdle(ctx, old, now) {
			slog.Debug("Engine.Start: user already in a flow", "user", key, "kind", flow.Kind())
			return models.ErrAlreadyInFlow
		}
		e.mu.Lock()
		if _, ok := e.sessions[key]; ok {
			e.mu.Unlock()
			return models.ErrAlreadyInFlow
		}
	}
	e.sessions[key] = &session{
		key:      key,
		chat:     ev.Chat,
		flow:     flow,
		deadline: now.Add(e.opts.Timeout),
	}
	e.mu.Unlock()

	slog.Info("Engine.Start: flow opened", "user", key, "kind", flow.Kind())
	e.send(ctx, ev.Chat, flow.Prompt())
	return nil
}

// Handle routes ev to the sender's open flow. It reports false when the user
// has no open flow, including a flow whose deadline has already passed: that
// flow is closed with its timeout notice and the message is left for the
// next handler.
func (e *Engine) Handle(ctx context.Context, ev models.MessageEvent) (bool, error) {
	key := sessionKey(ev.Chat.Platform, ev.UserID)
	e.mu.Lock()
	s, ok := e.sessions[key]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false, nil
	}

	now := e.opts.Clock()
	if !now.Before(s.deadline) {
		e.expireLocked(ctx, s)
		return false, nil
	}
	s.deadline = now.Add(e.opts.Timeout)

	if isQuit(ev.Message) {
		slog.Info("Engine.Handle: user quit", "user", key, "kind", s.flow.Kind())
		e.closeLocked(s)
		e.send(ctx, ev.Chat, s.flow.QuitNotice())
		return true, nil
	}

	out, err := s.flow.Step(ctx, ev)
	if out.Done {
		e.closeLocked(s)
		slog.Info("Engine.Handle: flow finished", "user", key, "kind", s.flow.Kind())
	}
	if len(out.Reply) > 0 {
		e.send(ctx, ev.Chat, out.Reply)
	}
	return true, err
}

// ExpireIdle closes every flow whose deadline is not after now and returns how
// many were closed. Flows busy with a message are skipped; Handle checks the
// deadline itself.
func (e *Engine) ExpireIdle(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	candidates := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		candidates = append(candidates, s)
	}
	e.mu.Unlock()

	expired := 0
	for _, s := range candidates {
		if e.expireIfIdle(ctx, s, now) {
			expired++
		}
	}
	return expired
}

// expireIfIdle closes s if it is idle and not busy. It reports whether this
// call expired s; a session already closed elsewhere does not count.
func (e *Engine) expireIfIdle(ctx context.Context, s *session, now time.Time) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if now.Before(s.deadline) {
		return false
	}
	e.expireLocked(ctx, s)
	return true
}

// Run closes idle flows until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine.Run: starting", "timeout", e.opts.Timeout, "tick", e.opts.TickInterval)

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.Run: stopping")
			return
		case <-ticker.C:
			if n := e.ExpireIdle(ctx, e.opts.Clock()); n > 0 {
				slog.Debug("Engine.Run: expired idle flows", "count", n)
			}
		}
	}
}

// Stop discards every open flow without notifying users.
func (e *Engine) Stop() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	}
	slog.Info("Engine.Stop: discarded open flows", "count", len(sessions))
}

// InFlow reports whether the user has an open flow on platform.
func (e *Engine) InFlow(platform, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionKey(platform, userID)]
	return ok
}

// Len returns the number of open flows.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) expireLocked(ctx context.Context, s *session) {
	slog.Info("Engine: flow timed out", "user", s.key, "kind", s.flow.Kind())
	e.closeLocked(s)
	e.send(ctx, s.chat, s.flow.TimeoutNotice())
}

// closeLocked marks s done and removes it. The caller holds s.mu.
func (e *Engine) closeLocked(s *session) {
	s.done = true
	e.mu.Lock()
	if e.sessions[s.key] == s {
		delete(e.sessions, s.key)
	}
	e.mu.Unlock()
}

func (e *Engine) send(ctx context.Context, chat models.ChatRef, msg models.Message) {
	if len(msg) == 0 {
		return
	}
	if err := e.sender.SendMessage(ctx, chat, msg); err != nil {
		slog.Error("Engine: send failed", "error", err, "chat", chat.ID)
	}
}

func isQuit(msg models.Message) bool {
	first, ok := msg.First()
	return ok && first.IsText(QuitWord)
}

// isConfirm reports whether msg is a single text segment reading "Y" in any case.
func isConfirm(msg models.Message) bool {
	return len(msg) == 1 && msg[0].Type == models.SegmentTypeText && strings.ToUpper(msg[0].Data.Text) == "Y"
}
