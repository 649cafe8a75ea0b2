package cache

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/meigma/webcache/internal/wire"
)

// ErrMalformedSidecar is returned when a sidecar header block fails to
// parse.
var ErrMalformedSidecar = errors.New("cache: malformed sidecar")

// Sidecar is the parsed header block of a sidecar file: the entry's
// URL and the response headers captured when it was first downloaded.
// For partially downloaded entries the block bitmap follows the header
// block on disk; its offset is returned by ParseSidecar.
type Sidecar struct {
	URL     string
	Headers http.Header
}

// Encode serializes the header block: a u32 total byte count
// (including itself), the size-prefixed URL, a header-pair count, and
// the size-prefixed name/value pairs, all little-endian. Header names
// are written sorted with their first value only.
func (s *Sidecar) Encode() []byte {
	names := make([]string, 0, len(s.Headers))
	for name := range s.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var w wire.Writer
	w.WriteU32(0) // patched below
	w.WriteString(s.URL)
	w.WriteSize(uint32(len(names)))
	for _, name := range names {
		w.WriteString(name)
		w.WriteString(s.Headers.Get(name))
	}
	w.PatchU32(0, uint32(w.Len()))
	return w.Bytes()
}

// ParseSidecar decodes the header block from the start of a sidecar
// file and returns it with the offset of the block bitmap that
// follows. Truncated or inconsistent blocks fail with
// ErrMalformedSidecar.
func ParseSidecar(data []byte) (*Sidecar, int64, error) {
	r := wire.NewReader(data)
	total, err := r.ReadU32()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
	}
	if total < 4 || int64(total) > int64(len(data)) {
		return nil, 0, fmt.Errorf("%w: header size %d out of range", ErrMalformedSidecar, total)
	}

	url, err := r.ReadString()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
	}
	count, err := r.ReadSize()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
	}

	headers := make(http.Header, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
		}
		value, err := r.ReadString()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedSidecar, err)
		}
		headers.Set(name, value)
	}
	if r.Offset() > int(total) {
		return nil, 0, fmt.Errorf("%w: fields overrun declared size", ErrMalformedSidecar)
	}

	return &Sidecar{URL: url, Headers: headers}, int64(total), nil
}
