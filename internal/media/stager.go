// Package media materializes inbound image references into local files so a
// learned reply keeps working after the platform's media URL expires.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/util"
)

// Defaults for HTTP downloads.
const (
	DefaultDownloadTimeout = 30 * time.Second
	DefaultMaxImageBytes   = 20 << 20
	DefaultDirPermissions  = 0o755
)

// Opts holds configuration options for a Stager.
type Opts struct {
	Downloaders map[string]messaging.Downloader
	HTTPClient  *http.Client
	MaxBytes    int64
}

// Option defines a configuration option for a Stager.
type Option func(*Opts)

// WithDownloader routes refs from platform to d instead of plain HTTP.
func WithDownloader(platform string, d messaging.Downloader) Option {
	return func(o *Opts) {
		if o.Downloaders == nil {
			o.Downloaders = make(map[string]messaging.Downloader)
		}
		o.Downloaders[platform] = d
	}
}

// WithHTTPClient sets the client used for http(s) refs.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithMaxBytes caps the size of a single downloaded image.
func WithMaxBytes(n int64) Option {
	return func(o *Opts) {
		o.MaxBytes = n
	}
}

// Stager downloads the image segments of a reply into a directory.
type Stager struct {
	dir  string
	opts Opts
}

// NewStager creates a Stager that stores images in dir.
func NewStager(dir string, opts ...Option) *Stager {
	cfg := Opts{
		HTTPClient: &http.Client{Timeout: DefaultDownloadTimeout},
		MaxBytes:   DefaultMaxImageBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Stager{dir: dir, opts: cfg}
}

// Dir returns the image directory.
func (s *Stager) Dir() string {
	return s.dir
}

// EnsureDir creates the image directory if it does not exist yet.
func (s *Stager) EnsureDir() error {
	if err := os.MkdirAll(s.dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create image directory %s: %w", s.dir, err)
	}
	return nil
}

// Stage returns msg with every remote image replaced by a local file. Segments
// that already point at a local file are left alone, so calling Stage again
// after a partial failure only fetches what is still missing. On error the
// returned message holds the progress made so far together with a
// *models.AttachmentDownloadError.
func (s *Stager) Stage(ctx context.Context, platform string, msg models.Message) (models.Message, error) {
	out := msg.Clone()
	for i, seg := range out {
		if seg.Type != models.SegmentTypeImage || seg.Data.URL == "" {
			continue
		}
		path, err := s.fetch(ctx, platform, seg.Data.URL)
		if err != nil {
			slog.Warn("Stager.Stage: download failed", "platform", platform, "ref", seg.Data.URL, "error", err)
			return out, &models.AttachmentDownloadError{Ref: seg.Data.URL, Cause: err}
		}
		slog.Debug("Stager.Stage: image stored", "platform", platform, "path", path)
		out[i] = models.Image(path)
	}
	return out, nil
}

func (s *Stager) fetch(ctx context.Context, platform, ref string) (string, error) {
	if err := s.EnsureDir(); err != nil {
		return "", err
	}
	if d, ok := s.opts.Downloaders[platform]; ok {
		return d.DownloadAttachment(ctx, ref, s.dir)
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return s.fetchHTTP(ctx, ref)
	}
	return "", fmt.Errorf("no downloader for %s reference on platform %q", ref, platform)
}

func (s *Stager) fetchHTTP(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(data)) > s.opts.MaxBytes {
		return "", fmt.Errorf("image exceeds %d bytes", s.opts.MaxBytes)
	}
	return util.SaveImage(s.dir, data, util.ImageExt(resp.Header.Get("Content-Type")))
}
