// Package codec implements the tagged binary value codec used for
// cached JSON documents and persisted settings.
//
// Each value is a type tag followed by its payload. Numeric payloads
// are little-endian; sizes use a 1/3/5-byte variable prefix. Float64
// payloads are padded to 8-byte alignment relative to the start of the
// message, matching files written by existing implementations of the
// same format.
//
// Supported Go values: nil, bool, int/int8/int16/int32/int64, uint8/
// uint16/uint32, float32/float64, string, []any, map[any]any and
// map[string]any. Decode produces nil, bool, int32, int64, float64,
// string, []any and map[any]any.
package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/meigma/webcache/internal/wire"
)

// Value type tags.
const (
	tagNull    = 0x00
	tagTrue    = 0x01
	tagFalse   = 0x02
	tagInt32   = 0x03
	tagInt64   = 0x04
	tagFloat64 = 0x06
	tagString  = 0x07
	tagList    = 0x0C
	tagMap     = 0x0D
)

// ErrUnsupportedValue is returned when Encode is given a Go value with
// no representation in the format.
var ErrUnsupportedValue = errors.New("codec: unsupported value")

// ErrCorrupt is returned when Decode encounters a malformed message.
var ErrCorrupt = errors.New("codec: corrupt message")

// Encode serializes a value to its binary form.
func Encode(v any) ([]byte, error) {
	var w wire.Writer
	if err := encodeValue(&w, v); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Decode deserializes a single value from data. Trailing bytes after
// the value are rejected.
func Decode(data []byte) (any, error) {
	r := wire.NewReader(data)
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Remaining())
	}
	return v, nil
}

func encodeValue(w *wire.Writer, v any) error {
	switch v := v.(type) {
	case nil:
		w.WriteU8(tagNull)
	case bool:
		if v {
			w.WriteU8(tagTrue)
		} else {
			w.WriteU8(tagFalse)
		}
	case int:
		encodeInt(w, int64(v))
	case int8:
		encodeInt(w, int64(v))
	case int16:
		encodeInt(w, int64(v))
	case int32:
		encodeInt(w, int64(v))
	case int64:
		encodeInt(w, v)
	case uint8:
		encodeInt(w, int64(v))
	case uint16:
		encodeInt(w, int64(v))
	case uint32:
		encodeInt(w, int64(v))
	case float32:
		encodeFloat(w, float64(v))
	case float64:
		encodeFloat(w, v)
	case string:
		w.WriteU8(tagString)
		w.WriteString(v)
	case []any:
		w.WriteU8(tagList)
		w.WriteSize(uint32(len(v)))
		for _, item := range v {
			if err := encodeValue(w, item); err != nil {
				return err
			}
		}
	case map[any]any:
		w.WriteU8(tagMap)
		w.WriteSize(uint32(len(v)))
		for key, val := range v {
			if err := encodeValue(w, key); err != nil {
				return err
			}
			if err := encodeValue(w, val); err != nil {
				return err
			}
		}
	case map[string]any:
		w.WriteU8(tagMap)
		w.WriteSize(uint32(len(v)))
		for key, val := range v {
			w.WriteU8(tagString)
			w.WriteString(key)
			if err := encodeValue(w, val); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

func encodeInt(w *wire.Writer, v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		w.WriteU8(tagInt32)
		w.WriteU32(uint32(int32(v)))
		return
	}
	w.WriteU8(tagInt64)
	w.WriteU64(uint64(v))
}

func encodeFloat(w *wire.Writer, v float64) {
	w.WriteU8(tagFloat64)
	w.AlignTo(8)
	w.WriteU64(math.Float64bits(v))
}

func decodeValue(r *wire.Reader) (any, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return nil, corrupt(err)
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagInt32:
		v, err := r.ReadU32()
		if err != nil {
			return nil, corrupt(err)
		}
		return int32(v), nil
	case tagInt64:
		v, err := r.ReadU64()
		if err != nil {
			return nil, corrupt(err)
		}
		return int64(v), nil
	case tagFloat64:
		if err := r.AlignTo(8); err != nil {
			return nil, corrupt(err)
		}
		v, err := r.ReadU64()
		if err != nil {
			return nil, corrupt(err)
		}
		return math.Float64frombits(v), nil
	case tagString:
		v, err := r.ReadString()
		if err != nil {
			return nil, corrupt(err)
		}
		return v, nil
	case tagList:
		n, err := r.ReadSize()
		if err != nil {
			return nil, corrupt(err)
		}
		list := make([]any, 0, minCap(n))
		for i := uint32(0); i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case tagMap:
		n, err := r.ReadSize()
		if err != nil {
			return nil, corrupt(err)
		}
		m := make(map[any]any, minCap(n))
		for i := uint32(0); i < n; i++ {
			key, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			val, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			m[key] = val
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %#x", ErrCorrupt, tag)
	}
}

func corrupt(err error) error {
	if errors.Is(err, wire.ErrShortBuffer) {
		return fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	return err
}

// minCap bounds pre-allocation so a corrupt length cannot allocate
// unbounded memory before the decode fails.
func minCap(n uint32) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}
