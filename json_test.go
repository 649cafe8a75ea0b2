package webcache

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAsJSONTranscodesOnce(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/doc", []byte(`{"name":"widget","count":3,"ratio":0.5,"tags":["a","b"],"extra":null,"on":true}`))
	c := newTestClient(t)
	url := srv.URL + "/doc"

	v, err := c.GetAsJSON(context.Background(), url)
	require.NoError(t, err)

	m, ok := v.(map[any]any)
	require.True(t, ok)
	assert.Equal(t, "widget", m["name"])
	assert.Equal(t, int32(3), m["count"])
	assert.Equal(t, 0.5, m["ratio"])
	assert.Equal(t, []any{"a", "b"}, m["tags"])
	assert.Nil(t, m["extra"])
	assert.Equal(t, true, m["on"])

	// The data file now starts with the magic.
	path := c.CachedFilePath(url)
	require.NotEmpty(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, jsonMagic))

	// Second call decodes the binary form without a new request and
	// yields the same value.
	v2, err := c.GetAsJSON(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, v, v2)
	assert.Equal(t, 1, srv.hitCount("/doc"))
}

func TestGetAsJSONLargeIntegers(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/n", []byte(`{"small":1,"big":9007199254740993}`))
	c := newTestClient(t)

	v, err := c.GetAsJSON(context.Background(), srv.URL+"/n")
	require.NoError(t, err)
	m := v.(map[any]any)
	assert.Equal(t, int32(1), m["small"])
	assert.Equal(t, int64(9007199254740993), m["big"])
}

func TestGetAsJSONMalformed(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/bad", []byte(`{not json`))
	c := newTestClient(t)

	_, err := c.GetAsJSON(context.Background(), srv.URL+"/bad")
	require.Error(t, err)
}

func TestGetAsJSONConcurrentSharesParse(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/shared", []byte(`[1,2,3]`))
	c := newTestClient(t)
	url := srv.URL + "/shared"

	const callers = 6
	values := make([]any, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = c.GetAsJSON(context.Background(), url)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []any{int32(1), int32(2), int32(3)}, values[i])
	}
	assert.Equal(t, 1, srv.hitCount("/shared"))
}
