package partial

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/meigma/webcache/cache"
)

const (
	blockShift = 14

	// BlockSize is the presence-tracking granularity. Changing it is a
	// format break for existing sidecar bitmaps.
	BlockSize = 1 << blockShift
)

// File is a sparse, block-granular cache of one URL's content.
//
// A File is shared: the Manager returns the same instance to every
// concurrent opener of the URL, so ranges downloaded by one reader
// become visible to the others through the shared bitmap.
type File struct {
	manager  *Manager
	url      string
	key      uint64
	dataPath string

	mu            sync.Mutex
	refs          int
	closed        bool
	sidecar       *os.File
	headers       http.Header
	headersOffset int64
	length        int64
	blockCount    int
	blocks        []byte
	pending       int // dirty bitmap byte index, -1 when clean
	dirty         bool
	reusable      *http.Response
}

// URL returns the File's URL.
func (f *File) URL() string { return f.url }

// Length returns the content length captured on first open.
func (f *File) Length() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.length
}

// ResponseHeaders returns the response headers captured on first open.
func (f *File) ResponseHeaders() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers
}

// Full reports whether every block is cached. A full File serves any
// range without touching the origin.
func (f *File) Full() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < f.blockCount; i++ {
		if f.blocks[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Close drops one reference. The final Close flushes the bitmap,
// closes the sidecar, and re-accounts the entry size if any block was
// written.
func (f *File) Close() error {
	return f.manager.release(f)
}

// accrue initializes shared state on the first reference. A sidecar
// whose header block parses and matches the URL restores the bitmap;
// anything else starts fresh from the origin.
func (f *File) accrue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.sidecar != nil {
		return nil
	}

	f.dataPath = f.manager.cache.FilePath(f.key)
	sf, err := os.OpenFile(f.manager.cache.SidecarPath(f.key), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("partial: opening sidecar: %w", err)
	}

	if err := f.restore(sf); err != nil {
		f.manager.log().Debug("opening from origin", "url", f.url, "reason", err)
		if err := f.openFromOrigin(ctx, sf); err != nil {
			sf.Close()
			return err
		}
	}
	f.sidecar = sf
	return nil
}

// restore loads length, headers, and the bitmap from an existing
// sidecar. Any inconsistency is an error; the caller falls back to the
// origin.
func (f *File) restore(sf *os.File) error {
	data, err := io.ReadAll(sf)
	if err != nil {
		return err
	}
	sc, offset, err := cache.ParseSidecar(data)
	if err != nil {
		return err
	}
	if sc.URL != f.url {
		return fmt.Errorf("%w: url mismatch", cache.ErrMalformedSidecar)
	}
	length, err := strconv.ParseInt(sc.Headers.Get("Content-Length"), 10, 64)
	if err != nil || length <= 0 {
		return fmt.Errorf("%w: bad content-length %q", cache.ErrMalformedSidecar, sc.Headers.Get("Content-Length"))
	}
	blockCount := int((length + BlockSize - 1) >> blockShift)
	bitmapLen := (blockCount + 7) / 8
	if int64(len(data)) < offset+int64(bitmapLen) {
		return fmt.Errorf("%w: bitmap truncated", cache.ErrMalformedSidecar)
	}

	f.headers = sc.Headers
	f.headersOffset = offset
	f.length = length
	f.blockCount = blockCount
	f.blocks = append([]byte(nil), data[offset:offset+int64(bitmapLen)]...)
	return nil
}

// openFromOrigin fetches the URL head-on, rewrites the sidecar with
// fresh headers and a zeroed bitmap, and parks the open response for
// the first read starting at offset 0.
func (f *File) openFromOrigin(ctx context.Context, sf *os.File) error {
	resp, err := f.manager.origin.Open(ctx, f.url)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return fmt.Errorf("partial: origin returned %s", resp.Status)
	}
	length, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || length <= 0 {
		resp.Body.Close()
		return fmt.Errorf("partial: origin content-length %q unusable", resp.Header.Get("Content-Length"))
	}

	sc := &cache.Sidecar{URL: f.url, Headers: resp.Header}
	header := sc.Encode()
	blockCount := int((length + BlockSize - 1) >> blockShift)
	bitmap := make([]byte, (blockCount+7)/8)

	if err := sf.Truncate(0); err != nil {
		resp.Body.Close()
		return fmt.Errorf("partial: resetting sidecar: %w", err)
	}
	if _, err := sf.WriteAt(header, 0); err != nil {
		resp.Body.Close()
		return fmt.Errorf("partial: writing sidecar header: %w", err)
	}
	if _, err := sf.WriteAt(bitmap, int64(len(header))); err != nil {
		resp.Body.Close()
		return fmt.Errorf("partial: writing sidecar bitmap: %w", err)
	}

	// Re-parse to capture the first value per name, matching what a
	// later restore will see.
	parsed, offset, err := cache.ParseSidecar(header)
	if err != nil {
		resp.Body.Close()
		return err
	}
	f.headers = parsed.Headers
	f.headersOffset = offset
	f.length = length
	f.blockCount = blockCount
	f.blocks = bitmap
	f.reusable = resp
	return nil
}

// finalize tears the File down once the last reference is gone.
func (f *File) finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	if f.pending >= 0 {
		err = f.writeBitmapByte(f.pending)
		f.pending = -1
	}
	if f.reusable != nil {
		f.reusable.Body.Close()
		f.reusable = nil
	}
	if f.sidecar != nil {
		if cerr := f.sidecar.Close(); err == nil {
			err = cerr
		}
		f.sidecar = nil
	}
	if f.dirty {
		if uerr := f.manager.cache.Update(f.key); err == nil {
			err = uerr
		}
	}
	return err
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *File) hasBlock(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return i < f.blockCount && f.blocks[i/8]&(1<<(i%8)) != 0
}

// nextCachedIndex returns the first cached block index >= from, or
// blockCount if none.
func (f *File) nextCachedIndex(from int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := from; i < f.blockCount; i++ {
		if f.blocks[i/8]&(1<<(i%8)) != 0 {
			return i
		}
	}
	return f.blockCount
}

// setBlock marks block i present. A dirty bitmap byte other than the
// one holding i is flushed first, so sustained sequential downloads
// write the sidecar once per eight blocks.
func (f *File) setBlock(i int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	b := i / 8
	if f.pending >= 0 && f.pending != b {
		if err := f.writeBitmapByte(f.pending); err != nil {
			return err
		}
	}
	f.blocks[b] |= 1 << (i % 8)
	f.pending = b
	f.dirty = true
	return nil
}

func (f *File) flushPending() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.pending < 0 {
		return nil
	}
	err := f.writeBitmapByte(f.pending)
	f.pending = -1
	return err
}

func (f *File) writeBitmapByte(b int) error {
	if _, err := f.sidecar.WriteAt(f.blocks[b:b+1], f.headersOffset+int64(b)); err != nil {
		return fmt.Errorf("partial: writing bitmap: %w", err)
	}
	return nil
}

// takeReusable hands the parked full-content response to the caller,
// at most once, and only for reads starting at byte 0.
func (f *File) takeReusable() *http.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.reusable
	f.reusable = nil
	return resp
}
