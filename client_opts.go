package webcache

import (
	"errors"
	"log/slog"
	"net/http"
)

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets the HTTP client used for all requests. The
// client is long-lived and shared by every download.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithMaxCacheSize sets the byte budget of the file cache. The default
// is 200 MB.
func WithMaxCacheSize(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return errors.New("max cache size must be positive")
		}
		c.maxSize = n
		return nil
	}
}

// WithUserAgent sets the User-Agent header for outgoing requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithLogger sets a logger for the client. The logger is propagated to
// the file cache and the partial-file manager. If nil, a discard
// logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}
