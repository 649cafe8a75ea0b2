package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	data, err := Encode(v)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	return got
}

func TestRoundTripScalars(t *testing.T) {
	t.Parallel()

	assert.Nil(t, roundTrip(t, nil))
	assert.Equal(t, true, roundTrip(t, true))
	assert.Equal(t, false, roundTrip(t, false))
	assert.Equal(t, int32(0), roundTrip(t, 0))
	assert.Equal(t, int32(-1), roundTrip(t, -1))
	assert.Equal(t, int32(math.MaxInt32), roundTrip(t, math.MaxInt32))
	assert.Equal(t, int32(math.MinInt32), roundTrip(t, math.MinInt32))
	assert.Equal(t, int64(math.MaxInt32)+1, roundTrip(t, int64(math.MaxInt32)+1))
	assert.Equal(t, int64(math.MinInt64), roundTrip(t, int64(math.MinInt64)))
	assert.Equal(t, 3.25, roundTrip(t, 3.25))
	assert.Equal(t, math.Inf(1), roundTrip(t, math.Inf(1)))
	assert.Equal(t, "", roundTrip(t, ""))
	assert.Equal(t, "hello", roundTrip(t, "hello"))
	assert.Equal(t, "héllo wörld", roundTrip(t, "héllo wörld"))
}

func TestRoundTripNaN(t *testing.T) {
	t.Parallel()

	got := roundTrip(t, math.NaN())
	f, ok := got.(float64)
	require.True(t, ok)
	assert.True(t, math.IsNaN(f))
}

func TestRoundTripComposite(t *testing.T) {
	t.Parallel()

	v := map[any]any{
		"name":  "widget",
		"count": int32(3),
		"ratio": 0.5,
		"tags":  []any{"a", "b", nil, true},
		"nested": map[any]any{
			"deep": []any{int64(1) << 40},
		},
	}
	assert.Equal(t, v, roundTrip(t, v))
}

func TestEncodeStringKeyedMap(t *testing.T) {
	t.Parallel()

	got := roundTrip(t, map[string]any{"k": int32(1)})
	assert.Equal(t, map[any]any{"k": int32(1)}, got)
}

func TestRoundTripEmptyComposites(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []any{}, roundTrip(t, []any{}))
	assert.Equal(t, map[any]any{}, roundTrip(t, map[any]any{}))
}

func TestIntWidthSelection(t *testing.T) {
	t.Parallel()

	data, err := Encode(7)
	require.NoError(t, err)
	require.Equal(t, byte(tagInt32), data[0])
	require.Len(t, data, 5)

	data, err = Encode(int64(1) << 40)
	require.NoError(t, err)
	require.Equal(t, byte(tagInt64), data[0])
	require.Len(t, data, 9)
}

func TestFloatAlignment(t *testing.T) {
	t.Parallel()

	// Tag byte at offset 0, then 7 bytes of padding, then the payload.
	data, err := Encode(1.0)
	require.NoError(t, err)
	require.Len(t, data, 16)
	for i := 1; i < 8; i++ {
		assert.Zero(t, data[i], "padding byte %d", i)
	}

	// Inside a list the padding shrinks to whatever reaches alignment.
	data, err = Encode([]any{1.0})
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, got)
}

func TestDecodeCorrupt(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		{},                       // empty
		{tagInt32, 1, 2},         // truncated payload
		{tagString, 5, 'a'},      // truncated string
		{tagList, 2, tagNull},    // missing list element
		{tagMap, 1, tagNull},     // missing map value
		{0x55},                   // unknown tag
		{tagNull, tagNull},       // trailing bytes
	}
	for _, data := range cases {
		if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Decode(%v) error = %v, want ErrCorrupt", data, err)
		}
	}
}

func TestEncodeUnsupported(t *testing.T) {
	t.Parallel()

	_, err := Encode(struct{}{})
	require.ErrorIs(t, err, ErrUnsupportedValue)
	_, err = Encode([]any{make(chan int)})
	require.ErrorIs(t, err, ErrUnsupportedValue)
}
