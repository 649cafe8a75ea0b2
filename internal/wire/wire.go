// Package wire implements the little-endian buffer codec used by the
// cache sidecar files and the tagged value codec: fixed-width integers,
// 1/3/5-byte size prefixes, and length-prefixed strings.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a decode runs past the end of the buffer.
var ErrShortBuffer = errors.New("wire: short buffer")

// Size prefix tags. Sizes below tag16 are encoded in a single byte.
const (
	tag16 = 0xFE
	tag32 = 0xFF
)

// SizeLen returns the encoded length of a size prefix for n.
func SizeLen(n uint32) int {
	switch {
	case n < tag16:
		return 1
	case n <= 0xFFFF:
		return 3
	default:
		return 5
	}
}

// Writer appends encoded values to an in-memory buffer.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteU16 appends a little-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteU32 appends a little-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteU64 appends a little-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteSize appends a size in the 1/3/5-byte variable form:
// values below 254 as one byte, values up to 65535 as a 254 tag plus
// uint16, larger values as a 255 tag plus uint32.
func (w *Writer) WriteSize(n uint32) {
	switch {
	case n < tag16:
		w.WriteU8(uint8(n))
	case n <= 0xFFFF:
		w.WriteU8(tag16)
		w.WriteU16(uint16(n))
	default:
		w.WriteU8(tag32)
		w.WriteU32(n)
	}
}

// WriteString appends a size-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteSize(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteRaw appends raw bytes with no prefix.
func (w *Writer) WriteRaw(p []byte) {
	w.buf = append(w.buf, p...)
}

// AlignTo pads the buffer with zero bytes until its length is a
// multiple of n.
func (w *Writer) AlignTo(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

// PatchU32 overwrites four bytes at off with a little-endian uint32.
// The bytes must already have been written.
func (w *Writer) PatchU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:off+4], v)
}

// Reader decodes values from an in-memory buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current decode position.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of undecoded bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ReadU8 decodes a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 decodes a little-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 decodes a little-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 decodes a little-endian uint64.
func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadSize decodes a size written by WriteSize.
func (r *Reader) ReadSize() (uint32, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return 0, err
	}
	switch tag {
	case tag16:
		v, err := r.ReadU16()
		return uint32(v), err
	case tag32:
		return r.ReadU32()
	default:
		return uint32(tag), nil
	}
}

// ReadString decodes a size-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadSize()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadRaw decodes n raw bytes.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	return r.take(n)
}

// AlignTo skips padding bytes until the decode position is a multiple
// of n.
func (r *Reader) AlignTo(n int) error {
	for r.off%n != 0 {
		if _, err := r.take(1); err != nil {
			return err
		}
	}
	return nil
}
