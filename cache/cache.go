// Package cache implements a durable, bounded, least-recently-used
// file cache keyed by 64-bit URL hashes.
//
// Each entry is a data file named by the hex key plus a sidecar file
// (same name with a ".i" suffix) holding the response headers and, for
// partially downloaded entries, the block bitmap. A compact append-only
// index file records {key, size, time} per entry and is rebuilt into
// memory on open, so the cache survives crashes without a shutdown
// hook.
package cache

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/meigma/webcache/internal/urlkey"
)

const (
	// recordSize is the fixed width of one index slot:
	// u64 key, u64 size, u64 time, little-endian.
	recordSize = 24

	// SidecarSuffix is appended to a data file name to form its
	// sidecar file name.
	SidecarSuffix = ".i"

	indexName = "index"

	// DefaultMaxSize is the byte budget used when none is configured.
	DefaultMaxSize int64 = 200 << 20
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// FileCache is a durable LRU over (data file, sidecar file) pairs.
//
// All exported methods lock the cache; unexported methods assume the
// lock is held.
type FileCache struct {
	dir     string
	maxSize int64
	logger  *slog.Logger

	mu          sync.Mutex
	index       *os.File
	order       *list.List               // least-recent at front
	slots       map[uint64]*list.Element // key → element holding *entry
	free        []int64                  // reusable tombstone offsets
	size        int64                    // sum of live entry sizes
	maxPosition int64                    // append position in the index file
}

type entry struct {
	key    uint64
	offset int64
	size   int64
	time   int64
}

// Option configures a FileCache.
type Option func(*FileCache)

// WithMaxSize sets the byte budget enforced by Update. Values <= 0
// fall back to DefaultMaxSize.
func WithMaxSize(n int64) Option {
	return func(c *FileCache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithLogger sets the logger used for swallowed eviction errors.
func WithLogger(logger *slog.Logger) Option {
	return func(c *FileCache) {
		c.logger = logger
	}
}

// Open creates the cache directory if missing, scans the index file
// end-to-end, and rebuilds the in-memory LRU state.
func Open(dir string, opts ...Option) (*FileCache, error) {
	if dir == "" {
		return nil, errors.New("cache: dir is empty")
	}
	c := &FileCache{
		dir:     dir,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *FileCache) open() error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(c.dir, indexName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return err
	}

	c.index = f
	c.order = list.New()
	c.slots = make(map[uint64]*list.Element)
	c.free = nil
	c.size = 0

	// A trailing partial record is free space past maxPosition.
	c.maxPosition = int64(len(data) - len(data)%recordSize)

	var live []*entry
	for off := int64(0); off < c.maxPosition; off += recordSize {
		rec := data[off : off+recordSize]
		size := int64(binary.LittleEndian.Uint64(rec[8:16]))
		if size == 0 {
			c.free = append(c.free, off)
			continue
		}
		live = append(live, &entry{
			key:    binary.LittleEndian.Uint64(rec[0:8]),
			offset: off,
			size:   size,
			time:   int64(binary.LittleEndian.Uint64(rec[16:24])),
		})
	}

	// Oldest first so list iteration yields LRU order.
	sort.Slice(live, func(i, j int) bool { return live[i].time < live[j].time })
	for _, e := range live {
		if prev, ok := c.slots[e.key]; ok {
			// Duplicate key from a torn write: keep the newer record,
			// tombstone the older slot.
			old := entryOf(prev)
			c.size -= old.size
			c.order.Remove(prev)
			c.free = append(c.free, old.offset)
		}
		c.slots[e.key] = c.order.PushBack(e)
		c.size += e.size
	}
	return nil
}

func entryOf(el *list.Element) *entry { return el.Value.(*entry) }

// Close flushes and closes the index file and drops in-memory state.
func (c *FileCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.close()
}

func (c *FileCache) close() error {
	if c.index == nil {
		return nil
	}
	err := c.index.Close()
	c.index = nil
	c.order = nil
	c.slots = nil
	c.free = nil
	c.size = 0
	c.maxPosition = 0
	return err
}

// Clear closes the cache, deletes the whole cache directory, and
// reopens empty.
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.close(); err != nil {
		return err
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	return c.open()
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string { return c.dir }

// MaxBytes returns the configured byte budget.
func (c *FileCache) MaxBytes() int64 { return c.maxSize }

// SizeBytes returns the sum of live entry sizes.
func (c *FileCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of live entries.
func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order == nil {
		return 0
	}
	return c.order.Len()
}

// Keys returns the live keys in LRU order, least recently used first.
func (c *FileCache) Keys() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order == nil {
		return nil
	}
	keys := make([]uint64, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, entryOf(el).key)
	}
	return keys
}

// FilePath returns the data-file path for key, whether or not the file
// exists. If the key is resident, the entry is marked most recently
// used and its index timestamp is rewritten with the current
// wall-clock time.
func (c *FileCache) FilePath(key uint64) string {
	path := filepath.Join(c.dir, urlkey.Hex(key))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		return path
	}
	el, ok := c.slots[key]
	if !ok {
		return path
	}
	e := entryOf(el)
	e.time = time.Now().UnixMilli()
	c.order.MoveToBack(el)
	if err := c.writeTime(e); err != nil {
		c.log().Warn("rewriting index timestamp", "key", urlkey.Hex(key), "error", err)
	}
	return path
}

// SidecarPath returns the sidecar path for key.
func (c *FileCache) SidecarPath(key uint64) string {
	return filepath.Join(c.dir, urlkey.Hex(key)+SidecarSuffix)
}

// Contains reports whether key is resident, without touching LRU order.
func (c *FileCache) Contains(key uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots == nil {
		return false
	}
	_, ok := c.slots[key]
	return ok
}

// Update recomputes the entry size from the data file plus sidecar,
// inserts or updates the entry, and evicts least-recently-used entries
// until the total fits the byte budget. The record timestamp is the
// data file's mtime. A missing data file removes the entry.
func (c *FileCache) Update(key uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		return ErrClosed
	}

	dataPath := filepath.Join(c.dir, urlkey.Hex(key))
	var size, mtime int64
	st, err := os.Stat(dataPath)
	if err == nil {
		size = st.Size()
		mtime = st.ModTime().UnixMilli()
	}
	if sst, serr := os.Stat(dataPath + SidecarSuffix); serr == nil {
		size += sst.Size()
	}
	if err != nil || size == 0 {
		return c.remove(key)
	}

	// Replacing an entry frees its accounted size before eviction runs.
	var offset int64 = -1
	if el, ok := c.slots[key]; ok {
		e := entryOf(el)
		c.size -= e.size
		c.order.Remove(el)
		delete(c.slots, key)
		offset = e.offset
	}

	for c.size+size > c.maxSize && c.order.Len() > 0 {
		if err := c.evictOldest(); err != nil {
			return err
		}
	}

	if offset < 0 {
		offset = c.allocSlot()
	}
	e := &entry{key: key, offset: offset, size: size, time: mtime}
	if err := c.writeRecord(e); err != nil {
		return err
	}
	c.slots[key] = c.order.PushBack(e)
	c.size += size
	return nil
}

// Remove tombstones the entry for key and deletes its files.
func (c *FileCache) Remove(key uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		return ErrClosed
	}
	return c.remove(key)
}

func (c *FileCache) remove(key uint64) error {
	el, ok := c.slots[key]
	if !ok {
		return nil
	}
	return c.drop(el)
}

func (c *FileCache) evictOldest() error {
	el := c.order.Front()
	if el == nil {
		return nil
	}
	e := entryOf(el)
	c.log().Debug("evicting cache entry", "key", urlkey.Hex(e.key), "size", e.size)
	return c.drop(el)
}

// drop tombstones the slot, releases it for reuse, and deletes the
// entry's files best-effort.
func (c *FileCache) drop(el *list.Element) error {
	e := entryOf(el)
	if err := c.writeSize(e.offset, 0); err != nil {
		return err
	}
	c.order.Remove(el)
	delete(c.slots, e.key)
	c.free = append(c.free, e.offset)
	c.size -= e.size

	dataPath := filepath.Join(c.dir, urlkey.Hex(e.key))
	for _, path := range []string{dataPath, dataPath + SidecarSuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log().Warn("removing evicted file", "path", path, "error", err)
		}
	}
	return nil
}

func (c *FileCache) allocSlot() int64 {
	if n := len(c.free); n > 0 {
		off := c.free[n-1]
		c.free = c.free[:n-1]
		return off
	}
	off := c.maxPosition
	c.maxPosition += recordSize
	return off
}

func (c *FileCache) writeRecord(e *entry) error {
	var rec [recordSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], e.key)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(e.size))
	binary.LittleEndian.PutUint64(rec[16:24], uint64(e.time))
	if _, err := c.index.WriteAt(rec[:], e.offset); err != nil {
		return fmt.Errorf("cache: writing index record: %w", err)
	}
	return nil
}

func (c *FileCache) writeSize(offset, size int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	if _, err := c.index.WriteAt(buf[:], offset+8); err != nil {
		return fmt.Errorf("cache: writing index record: %w", err)
	}
	return nil
}

func (c *FileCache) writeTime(e *entry) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e.time))
	_, err := c.index.WriteAt(buf[:], e.offset+16)
	return err
}
