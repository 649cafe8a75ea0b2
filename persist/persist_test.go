package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/webcache/codec"
)

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	v, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, v.Len())
	_, err = v.Get("anything")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, v.Set("name", "widget"))
	require.NoError(t, v.Set("count", int64(42)))
	require.NoError(t, v.Set("ratio", 0.25))
	require.NoError(t, v.Set("flags", []any{true, false, nil}))

	// Reopen and verify everything survived the save.
	v2, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "widget", v2.GetString("name", ""))

	count, err := v2.Get("count")
	require.NoError(t, err)
	assert.Equal(t, int32(42), count)

	ratio, err := v2.Get("ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.25, ratio)

	flags, err := v2.Get("flags")
	require.NoError(t, err)
	assert.Equal(t, []any{true, false, nil}, flags)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, v.Set("a", "1"))
	require.NoError(t, v.Set("b", "2"))

	require.NoError(t, v.Delete("a"))
	require.NoError(t, v.Delete("missing"))

	v2, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, v2.Keys())
}

func TestGetStringFallback(t *testing.T) {
	t.Parallel()

	v, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v.Set("num", int64(3)))

	assert.Equal(t, "dflt", v.GetString("absent", "dflt"))
	assert.Equal(t, "dflt", v.GetString("num", "dflt"))
}

func TestOpenCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte{0xFF, 0x01}, 0o600))

	_, err := Open(dir)
	require.Error(t, err)
}

func TestOpenForeignEncodedMap(t *testing.T) {
	t.Parallel()

	// A file written directly in the codec format loads unchanged.
	dir := t.TempDir()
	data, err := codec.Encode(map[string]any{"lang": "en", "size": int64(7)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o600))

	v, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "en", v.GetString("lang", ""))
	size, err := v.Get("size")
	require.NoError(t, err)
	assert.Equal(t, int32(7), size)
}
