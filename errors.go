package webcache

import (
	"errors"
	"fmt"

	"github.com/meigma/webcache/cache"
	"github.com/meigma/webcache/partial"
)

// Errors re-exported from subpackages.
var (
	// ErrMalformedSidecar is returned when a sidecar header block fails to parse.
	ErrMalformedSidecar = cache.ErrMalformedSidecar

	// ErrCacheClosed is returned by operations on a closed cache.
	ErrCacheClosed = cache.ErrClosed

	// ErrPartialClosed is returned by operations on a released partial file.
	ErrPartialClosed = partial.ErrClosed
)

// ErrHashCollision is returned when two distinct URLs map to the same
// 64-bit cache key. The colliding entry is evicted before the error is
// returned.
var ErrHashCollision = errors.New("webcache: url hash collision")

// ErrEmptyFile is returned when a download reports success but the
// data file is empty.
var ErrEmptyFile = errors.New("webcache: downloaded file is empty")

// HTTPError reports a non-2xx response to a download.
type HTTPError struct {
	// Status is the HTTP status code.
	Status int

	// URL is the request URL.
	URL string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("webcache: %s returned status %d", e.URL, e.Status)
}
