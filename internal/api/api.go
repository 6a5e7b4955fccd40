// Package api provides the HTTP surface of CorpusPipe: a health check, a
// read-only view of the learned corpus, the Twilio inbound webhook, and the
// public media route Twilio fetches outbound images from.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/store"
)

// Constants for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 5 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// RuleSource is the loaded corpus snapshot.
type RuleSource interface {
	All() []models.Rule
}

// FlowCounter reports the number of open learn/forget conversations.
type FlowCounter interface {
	Len() int
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	Twilio   *messaging.TwilioService
	MediaDir string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilio mounts the Twilio webhook at /twilio/webhook.
func WithTwilio(svc *messaging.TwilioService) Option {
	return func(o *Opts) {
		o.Twilio = svc
	}
}

// WithMediaDir serves dir under messaging.MediaRoute.
func WithMediaDir(dir string) Option {
	return func(o *Opts) {
		o.MediaDir = dir
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	rules     RuleSource
	repo      store.RuleRepo
	flows     FlowCounter
	opts      Opts
	mux       *http.ServeMux
	startedAt time.Time
}

// NewServer creates a Server and registers its routes.
func NewServer(rules RuleSource, repo store.RuleRepo, flows FlowCounter, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		rules:     rules,
		repo:      repo,
		flows:     flows,
		opts:      cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/rules", s.rulesHandler)
	s.mux.HandleFunc("/rules/", s.rulesHandler)
	if cfg.Twilio != nil {
		s.mux.HandleFunc("/twilio/webhook", cfg.Twilio.TwilioWebhookHandler)
	}
	if cfg.MediaDir != "" {
		s.mux.Handle(messaging.MediaRoute, http.StripPrefix(messaging.MediaRoute, mediaHandler(cfg.MediaDir)))
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr, "twilio", s.opts.Twilio != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}
