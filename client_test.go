package webcache

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/webcache/internal/urlkey"
)

// countingServer serves fixed content and counts GET hits per path.
type countingServer struct {
	*httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	content map[string][]byte
}

func newCountingServer(t *testing.T) *countingServer {
	t.Helper()
	s := &countingServer{
		hits:    make(map[string]int),
		content: make(map[string][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		body, ok := s.content[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *countingServer) set(path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[path] = body
}

func (s *countingServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetFileDownloadsOnce(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/a", []byte("hello world"))
	c := newTestClient(t)

	url := srv.URL + "/a"
	path, err := c.GetFile(context.Background(), url)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)
	assert.Equal(t, 1, srv.hitCount("/a"))

	// Second call is served from disk.
	again, err := c.GetFile(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 1, srv.hitCount("/a"))

	// The cache accounted the entry.
	assert.Equal(t, 1, c.Cache().Len())
	assert.True(t, c.Cache().Contains(urlkey.Hash(url)))
}

func TestGetFileConcurrentDedup(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/big", make([]byte, 256<<10))
	c := newTestClient(t)

	url := srv.URL + "/big"
	const callers = 8
	paths := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = c.GetFile(context.Background(), url)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, 1, srv.hitCount("/big"))
	assert.Equal(t, 1, c.Cache().Len())
}

func TestGetFileCheckCache(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/f", []byte("v1"))
	c := newTestClient(t)
	url := srv.URL + "/f"

	_, err := c.GetFile(context.Background(), url)
	require.NoError(t, err)

	// Predicate accepts: no new request.
	var seen http.Header
	_, err = c.GetFile(context.Background(), url, GetWithCheckCache(func(h http.Header) bool {
		seen = h
		return true
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, srv.hitCount("/f"))
	assert.Equal(t, "application/octet-stream", seen.Get("Content-Type"))

	// Predicate rejects: the file is fetched again.
	srv.set("/f", []byte("v2"))
	path, err := c.GetFile(context.Background(), url, GetWithCheckCache(func(http.Header) bool {
		return false
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, srv.hitCount("/f"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestGetFileHTTPError(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	c := newTestClient(t)

	_, err := c.GetFile(context.Background(), srv.URL+"/missing")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Equal(t, 0, c.Cache().Len())
}

func TestGetFileHashCollision(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/real", []byte("data"))
	c := newTestClient(t)
	url := srv.URL + "/real"

	_, err := c.GetFile(context.Background(), url)
	require.NoError(t, err)

	// Rewrite the sidecar so it claims a different URL for this key.
	key := urlkey.Hash(url)
	require.NoError(t, writeSidecar(c.Cache().SidecarPath(key), "http://other.example/", http.Header{}))

	_, err = c.GetFile(context.Background(), url)
	require.ErrorIs(t, err, ErrHashCollision)
	assert.False(t, c.Cache().Contains(key))
}

func TestDownloadFileProgressAndAtomicCommit(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	body := make([]byte, 100<<10)
	srv.set("/blob", body)
	c := newTestClient(t)

	dest := filepath.Join(t.TempDir(), "blob")
	var events atomic.Int64
	var last ProgressEvent
	err := c.DownloadFile(context.Background(), srv.URL+"/blob", dest,
		DownloadWithProgress(func(ev ProgressEvent) {
			events.Add(1)
			last = ev
		}),
	)
	require.NoError(t, err)

	assert.Positive(t, events.Load())
	assert.Equal(t, int64(len(body)), last.BytesReceived)
	assert.Equal(t, int64(len(body)), last.ExpectedTotal)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	// No temp file left behind, sidecar written.
	_, err = os.Stat(dest + tempSuffix)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(dest + ".i")
	assert.NoError(t, err)
}

func TestDownloadFileFailureRemovesTemp(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	c := newTestClient(t)

	dest := filepath.Join(t.TempDir(), "gone")
	err := c.DownloadFile(context.Background(), srv.URL+"/gone", dest)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)

	_, err = os.Stat(dest)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(dest + tempSuffix)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenURLAutoCompress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip" {
			http.Error(w, "want gzip", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write([]byte("compressed payload"))
		zw.Close()
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t)
	resp, err := c.OpenURL(context.Background(), srv.URL, RequestWithAutoCompress())
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(data))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestCachedResponseHeaders(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/h", []byte("x"))
	c := newTestClient(t)
	url := srv.URL + "/h"

	assert.Nil(t, c.CachedResponseHeaders(url))
	assert.Empty(t, c.CachedFilePath(url))

	_, err := c.GetFile(context.Background(), url)
	require.NoError(t, err)

	h := c.CachedResponseHeaders(url)
	require.NotNil(t, h)
	assert.Equal(t, "application/octet-stream", h.Get("Content-Type"))
	assert.NotEmpty(t, c.CachedFilePath(url))
	assert.Equal(t, 1, srv.hitCount("/h"))
}

func TestClientClear(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/x", []byte("x"))
	c := newTestClient(t)
	url := srv.URL + "/x"

	_, err := c.GetFile(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, 1, c.Cache().Len())

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Cache().Len())
	assert.Empty(t, c.CachedFilePath(url))

	// The cache is usable again after Clear.
	_, err = c.GetFile(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.hitCount("/x"))
}

func TestGetFileEviction(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.set("/a", make([]byte, 60<<10))
	srv.set("/b", make([]byte, 60<<10))
	c := newTestClient(t, WithMaxCacheSize(100<<10))

	_, err := c.GetFile(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	_, err = c.GetFile(context.Background(), srv.URL+"/b")
	require.NoError(t, err)

	// Budget holds one 60 KiB entry at a time.
	assert.Equal(t, 1, c.Cache().Len())
	assert.LessOrEqual(t, c.Cache().SizeBytes(), int64(100<<10))
	assert.Empty(t, c.CachedFilePath(srv.URL+"/a"))
	assert.NotEmpty(t, c.CachedFilePath(srv.URL+"/b"))
}
