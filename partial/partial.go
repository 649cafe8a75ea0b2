// Package partial serves byte ranges of a URL from a sparse on-disk
// file, downloading missing 16 KiB blocks from the origin on demand.
//
// Presence is tracked in a block bitmap persisted in the entry's
// sidecar file after the response-header block. A Manager keeps at
// most one File per URL; callers obtain a File with Open and must
// Close it. The File writes the bitmap back to the sidecar as blocks
// arrive and re-accounts the entry in the cache index on its final
// Close.
package partial

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/meigma/webcache/cache"
	"github.com/meigma/webcache/internal/urlkey"
)

// ErrClosed is returned by operations on a released File.
var ErrClosed = errors.New("partial: closed")

// Origin opens HTTP streams for a URL. Implementations must request
// identity encoding so byte offsets match the stored content.
type Origin interface {
	// Open issues a full-content GET for url.
	Open(ctx context.Context, url string) (*http.Response, error)

	// OpenRange issues a GET for the inclusive byte range
	// [start, end] of url.
	OpenRange(ctx context.Context, url string, start, end int64) (*http.Response, error)
}

// Manager hands out ref-counted Files, one per URL. All Files share
// the Manager's cache for path resolution and size accounting.
type Manager struct {
	cache  *cache.FileCache
	origin Origin
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*File
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger passed through to Files.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager returns a Manager resolving entry paths through c and
// fetching missing content through origin.
func NewManager(c *cache.FileCache, origin Origin, opts ...ManagerOption) *Manager {
	m := &Manager{
		cache:  c,
		origin: origin,
		files:  make(map[string]*File),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Open returns the File for url, creating it on first use. Each call
// must be balanced by a call to File.Close. Range reads are not
// synchronized with whole-file downloads of the same URL; callers must
// not mix the two for one URL at the same time.
func (m *Manager) Open(ctx context.Context, url string) (*File, error) {
	m.mu.Lock()
	f, ok := m.files[url]
	if !ok {
		f = &File{
			manager: m,
			url:     url,
			key:     urlkey.Hash(url),
			pending: -1,
		}
		m.files[url] = f
	}
	f.refs++
	m.mu.Unlock()

	if err := f.accrue(ctx); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Len returns the number of open Files.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// Clear force-releases every open File. Streams still draining a File
// end early without an error; later ReadRange calls on it fail with
// ErrClosed.
func (m *Manager) Clear() {
	m.mu.Lock()
	files := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	m.files = make(map[string]*File)
	m.mu.Unlock()

	for _, f := range files {
		if err := f.finalize(); err != nil {
			m.log().Warn("releasing partial file", "url", f.url, "error", err)
		}
	}
}

// release drops one reference; the final reference finalizes the File.
func (m *Manager) release(f *File) error {
	m.mu.Lock()
	f.refs--
	last := f.refs == 0
	if last && m.files[f.url] == f {
		delete(m.files, f.url)
	}
	m.mu.Unlock()

	if !last {
		return nil
	}
	return f.finalize()
}
