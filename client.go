package webcache

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/webcache/cache"
	"github.com/meigma/webcache/partial"
)

// cacheSubdir is the directory under the cache root that holds the
// HTTP file cache.
const cacheSubdir = "http_cache"

// Client is the cached HTTP coordinator. It owns a bounded LRU file
// cache and guarantees at most one concurrent download per URL.
type Client struct {
	httpClient *http.Client
	cache      *cache.FileCache
	parts      *partial.Manager
	logger     *slog.Logger
	userAgent  string
	maxSize    int64

	mu      sync.Mutex
	loading map[string]*urlItem

	jsonGroup singleflight.Group
}

// urlItem serializes whole-file operations for one URL. refs counts
// callers inside GetFile so the entry is removed from the loading
// table only after the last of them finishes.
type urlItem struct {
	key  uint64
	mu   sync.Mutex
	refs int
}

// New builds a Client whose file cache lives under dir/http_cache.
func New(dir string, opts ...Option) (*Client, error) {
	c := &Client{
		httpClient: http.DefaultClient,
		maxSize:    cache.DefaultMaxSize,
		loading:    make(map[string]*urlItem),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	fc, err := cache.Open(filepath.Join(dir, cacheSubdir),
		cache.WithMaxSize(c.maxSize),
		cache.WithLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.cache = fc
	c.parts = partial.NewManager(fc, &origin{client: c}, partial.WithLogger(c.logger))
	return c, nil
}

// Close releases all open partial files and closes the file cache.
func (c *Client) Close() error {
	c.parts.Clear()
	return c.cache.Close()
}

// Clear releases all open partial files and empties the cache
// directory.
func (c *Client) Clear() error {
	c.parts.Clear()
	return c.cache.Clear()
}

// Cache returns the client's file cache.
func (c *Client) Cache() *cache.FileCache { return c.cache }

// Partial returns the manager for byte-range access to URLs. The
// manager shares the client's cache and HTTP client.
func (c *Client) Partial() *partial.Manager { return c.parts }

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// acquireURL returns the serialization item for url, creating it on
// first use.
func (c *Client) acquireURL(url string, key uint64) *urlItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.loading[url]
	if !ok {
		item = &urlItem{key: key}
		c.loading[url] = item
	}
	item.refs++
	return item
}

// releaseURL drops one reference to the item; the last reference
// removes it from the loading table.
func (c *Client) releaseURL(url string, item *urlItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item.refs--
	if item.refs == 0 && c.loading[url] == item {
		delete(c.loading, url)
	}
}

// fileExists reports whether path names a non-empty regular file.
func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}
