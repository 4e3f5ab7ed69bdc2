// Package media hosts streaming downloads for outbound sends, parses
// MEDIA: markers from agent output and optimizes inbound photos.
// store.go implements the per-user temp directory with orphan cleanup.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/paths"
)

const (
	// DownloadPrefix names every streaming-download temp file; the
	// orphan sweep matches on it.
	DownloadPrefix = "telegram-dl-"

	// OrphanTTL is how long an unreleased temp file may linger before
	// the startup sweep removes it.
	OrphanTTL = time.Hour
)

// ErrMediaTooLarge reports a download that exceeds the provider's media
// limit, either up front via Content-Length or mid-stream.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// TempStore owns the per-user temp directory for streaming downloads.
type TempStore struct {
	dir string

	// HTTPClient is swappable for tests; downloads honour the caller's
	// context for cancellation.
	HTTPClient *http.Client
}

// NewTempStore resolves the temp directory: explicit override, then
// <cfg>/telegram-temp, then a workspace-local fallback, then OS tmp.
// The first writable candidate wins.
func NewTempStore(override string) (*TempStore, error) {
	candidates := []string{}
	if override != "" {
		expanded, err := paths.ExpandTilde(override)
		if err == nil {
			candidates = append(candidates, expanded)
		}
	}
	candidates = append(candidates,
		paths.TelegramTempDir(),
		filepath.Join(".", "clawdis-temp"),
		filepath.Join(os.TempDir(), "clawdis-temp"),
	)

	for _, dir := range candidates {
		if err := os.MkdirAll(dir, 0700); err != nil {
			continue
		}
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			continue
		}
		probe.Close()
		os.Remove(probe.Name())

		logging.L_debug("media: temp store ready", "dir", dir)
		return &TempStore{dir: dir, HTTPClient: http.DefaultClient}, nil
	}
	return nil, fmt.Errorf("no writable temp directory among %v", candidates)
}

// Dir returns the resolved temp directory.
func (s *TempStore) Dir() string { return s.dir }

// Download is a handle to a finished streaming download. Release must
// be invoked on every exit path; it is idempotent and best-effort.
type Download struct {
	Path        string
	Size        int64
	ContentType string

	released bool
}

// Release deletes the underlying file. Safe to call twice.
func (d *Download) Release() {
	if d == nil || d.released {
		return
	}
	d.released = true
	if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
		logging.L_trace("media: release failed", "path", d.Path, "error", err)
	}
}

// CreateFile opens a fresh uniquely named temp file for a caller that
// streams into it directly (inbound Telegram downloads). The returned
// cleanup closure removes the file and is safe to call after a rename.
func (s *TempStore) CreateFile() (*os.File, func(), error) {
	name := filepath.Join(s.dir, DownloadPrefix+uuid.New().String()+".tmp")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			logging.L_trace("media: temp cleanup failed", "path", name, "error", err)
		}
	}
	return f, cleanup, nil
}

// FetchURL streams a remote resource into the temp directory, enforcing
// maxSize via a HEAD probe before any byte is written and via a
// cumulative count while streaming. On any failure no file remains.
func (s *TempStore) FetchURL(ctx context.Context, url string, maxSize int64) (*Download, error) {
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	if maxSize > 0 {
		if size, ok := ProbeSize(ctx, client, url); ok && size > maxSize {
			return nil, fmt.Errorf("%w: remote reports %d bytes, limit %d", ErrMediaTooLarge, size, maxSize)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %s", url, resp.Status)
	}
	if maxSize > 0 && resp.ContentLength > maxSize {
		return nil, fmt.Errorf("%w: remote reports %d bytes, limit %d", ErrMediaTooLarge, resp.ContentLength, maxSize)
	}

	f, cleanup, err := s.CreateFile()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		f.Close()
		if !ok {
			cleanup()
		}
	}()

	n, err := io.Copy(f, &cappedReader{r: resp.Body, max: maxSize})
	if err != nil {
		return nil, fmt.Errorf("failed to stream %s: %w", url, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	ok = true
	return &Download{Path: f.Name(), Size: n, ContentType: contentType}, nil
}

// ProbeSize issues a HEAD request and reports the resource size. Hosts
// that reject HEAD or omit Content-Length report ok=false; callers fall
// back to streaming-time enforcement. A nil client uses the default.
func ProbeSize(ctx context.Context, client *http.Client, url string) (int64, bool) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 || resp.ContentLength < 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

// cappedReader fails a read as soon as the cumulative byte count
// crosses max. max <= 0 means unlimited.
type cappedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.max > 0 && c.n > c.max {
		return n, fmt.Errorf("%w: stream passed %d bytes", ErrMediaTooLarge, c.max)
	}
	return n, err
}

// SweepOrphans removes download temp files older than OrphanTTL.
// Returns how many were removed. Called at provider init.
func (s *TempStore) SweepOrphans() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logging.L_warn("media: orphan sweep failed", "dir", s.dir, "error", err)
		return 0
	}

	cutoff := time.Now().Add(-OrphanTTL)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), DownloadPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				logging.L_trace("media: failed to remove orphan", "path", path, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logging.L_debug("media: swept orphan downloads", "dir", s.dir, "removed", removed)
	}
	return removed
}
