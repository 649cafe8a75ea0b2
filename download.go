package webcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meigma/webcache/cache"
	"github.com/meigma/webcache/internal/urlkey"
)

// tempSuffix marks an in-flight download next to its destination.
const tempSuffix = ".p"

// progressLogInterval throttles humanized progress log lines.
const progressLogInterval = time.Second

// DownloadOption configures DownloadFile.
type DownloadOption func(*downloadOptions)

type downloadOptions struct {
	request  []RequestOption
	progress ProgressFunc
}

// DownloadWithRequestOptions applies request options to the download's
// HTTP request.
func DownloadWithRequestOptions(opts ...RequestOption) DownloadOption {
	return func(o *downloadOptions) {
		o.request = append(o.request, opts...)
	}
}

// DownloadWithProgress registers a callback invoked after each body
// chunk.
func DownloadWithProgress(fn ProgressFunc) DownloadOption {
	return func(o *downloadOptions) {
		o.progress = fn
	}
}

// DownloadFile streams url's body to dest. The body is written to a
// temporary file next to dest and renamed into place once complete, so
// dest never holds a partial download. The response headers are then
// written to dest's sidecar file. Non-2xx responses fail with
// HTTPError and remove the temporary file.
func (c *Client) DownloadFile(ctx context.Context, url, dest string, opts ...DownloadOption) error {
	var o downloadOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	resp, err := c.OpenURL(ctx, url, o.request...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode, URL: url}
	}

	if err := c.writeBody(resp, url, dest, &o); err != nil {
		return err
	}
	return writeSidecar(dest+cache.SidecarSuffix, url, resp.Header)
}

func (c *Client) writeBody(resp *http.Response, url, dest string, o *downloadOptions) (err error) {
	tmp := dest + tempSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("webcache: creating %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	total := resp.ContentLength
	var received int64
	var lastLog time.Time
	buf := make([]byte, 32<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("webcache: writing %s: %w", tmp, werr)
			}
			received += int64(n)
			if o.progress != nil {
				o.progress(ProgressEvent{BytesReceived: received, ExpectedTotal: total})
			}
			if now := time.Now(); now.Sub(lastLog) >= progressLogInterval {
				lastLog = now
				c.log().Debug("downloading",
					"url", url,
					"received", humanize.Bytes(uint64(received)),
					"total", humanizeTotal(total),
				)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if received == 0 {
		return ErrEmptyFile
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("webcache: committing %s: %w", dest, err)
	}
	c.log().Debug("download complete", "url", url, "size", humanize.Bytes(uint64(received)))
	return nil
}

func humanizeTotal(total int64) string {
	if total < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(total))
}

// writeSidecar replaces the sidecar at path with a fresh header block.
func writeSidecar(path, url string, headers http.Header) error {
	sc := cache.Sidecar{URL: url, Headers: headers}
	if err := os.WriteFile(path, sc.Encode(), 0o600); err != nil {
		return fmt.Errorf("webcache: writing sidecar: %w", err)
	}
	return nil
}

// readSidecar parses the sidecar at path and verifies that it belongs
// to url, evicting the cache entry on a key collision.
func (c *Client) readSidecar(path, url string, key uint64) (*cache.Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, _, err := cache.ParseSidecar(data)
	if err != nil {
		return nil, err
	}
	if sc.URL != url {
		c.log().Warn("cache key collision", "key", urlkey.Hex(key), "want", url, "have", sc.URL)
		if rerr := c.cache.Remove(key); rerr != nil {
			c.log().Warn("evicting colliding entry", "key", urlkey.Hex(key), "error", rerr)
		}
		return nil, fmt.Errorf("%w: key %s held %q", ErrHashCollision, urlkey.Hex(key), sc.URL)
	}
	return sc, nil
}
