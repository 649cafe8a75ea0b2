package webcache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/meigma/webcache/cache"
	"github.com/meigma/webcache/internal/urlkey"
)

// GetOption configures GetFile and GetAsJSON.
type GetOption func(*getOptions)

type getOptions struct {
	request    []RequestOption
	download   []DownloadOption
	checkCache func(http.Header) bool
}

// GetWithRequestOptions applies request options to a download issued
// by GetFile.
func GetWithRequestOptions(opts ...RequestOption) GetOption {
	return func(o *getOptions) {
		o.request = append(o.request, opts...)
	}
}

// GetWithProgress registers a download progress callback.
func GetWithProgress(fn ProgressFunc) GetOption {
	return func(o *getOptions) {
		o.download = append(o.download, DownloadWithProgress(fn))
	}
}

// GetWithCheckCache installs a freshness predicate. When the URL is
// already cached, the predicate receives the stored response headers;
// returning false discards the copy and downloads again. The predicate
// runs under the URL's download lock.
func GetWithCheckCache(fn func(http.Header) bool) GetOption {
	return func(o *getOptions) {
		o.checkCache = fn
	}
}

// GetFile returns the local path of url's content, downloading it if
// absent or stale. Concurrent calls for one URL perform a single
// download and all return the same path. Whole-file downloads are not
// synchronized with range reads of the same URL; callers must not mix
// the two concurrently.
func (c *Client) GetFile(ctx context.Context, url string, opts ...GetOption) (string, error) {
	var o getOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	item := c.acquireURL(url, urlkey.Hash(url))
	defer c.releaseURL(url, item)
	key := item.key

	// FilePath also bumps the entry's LRU position.
	path := c.cache.FilePath(key)

	item.mu.Lock()
	downloaded, err := c.fetchLocked(ctx, url, path, key, &o)
	item.mu.Unlock()
	if err != nil {
		return "", err
	}

	if downloaded {
		if err := c.cache.Update(key); err != nil {
			return "", err
		}
	}
	return path, nil
}

// fetchLocked serves one whole-file fetch under the URL's lock and
// reports whether a download took place.
func (c *Client) fetchLocked(ctx context.Context, url, path string, key uint64, o *getOptions) (bool, error) {
	if fileExists(path) {
		sc, err := c.readSidecar(path+cache.SidecarSuffix, url, key)
		switch {
		case errors.Is(err, ErrHashCollision):
			return false, err
		case err == nil:
			if o.checkCache == nil || o.checkCache(sc.Headers) {
				return false, nil
			}
		default:
			c.log().Debug("unreadable sidecar, re-downloading", "url", url, "error", err)
		}
	}

	download := append([]DownloadOption{DownloadWithRequestOptions(o.request...)}, o.download...)
	if err := c.DownloadFile(ctx, url, path, download...); err != nil {
		return false, err
	}
	return true, nil
}

// CachedResponseHeaders returns the response headers stored for url,
// or nil if the URL is not cached or its sidecar cannot be parsed. It
// never touches the network and does not affect LRU order.
func (c *Client) CachedResponseHeaders(url string) http.Header {
	key := urlkey.Hash(url)
	data, err := os.ReadFile(c.cache.SidecarPath(key))
	if err != nil {
		return nil
	}
	sc, _, err := cache.ParseSidecar(data)
	if err != nil || sc.URL != url {
		return nil
	}
	return sc.Headers
}

// CachedFilePath returns the local path of url's content if it is
// already cached, or "" otherwise. It does not affect LRU order.
func (c *Client) CachedFilePath(url string) string {
	key := urlkey.Hash(url)
	if !c.cache.Contains(key) {
		return ""
	}
	path := filepath.Join(c.cache.Dir(), urlkey.Hex(key))
	if !fileExists(path) {
		return ""
	}
	return path
}
