package webcache

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// RequestOption configures a single HTTP request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	method       string
	headers      http.Header
	autoCompress bool
	rangeHeader  string
}

// RequestWithMethod overrides the HTTP method. The default is GET.
func RequestWithMethod(method string) RequestOption {
	return func(o *requestOptions) {
		if method != "" {
			o.method = method
		}
	}
}

// RequestWithHeader adds a header to the request.
func RequestWithHeader(name, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Add(name, value)
	}
}

// RequestWithHeaders adds all of h to the request.
func RequestWithHeaders(h http.Header) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		for name, values := range h {
			for _, v := range values {
				o.headers.Add(name, v)
			}
		}
	}
}

// RequestWithAutoCompress advertises gzip support and transparently
// decompresses gzip response bodies. Without it requests ask for
// identity encoding, so byte offsets match the stored content.
func RequestWithAutoCompress() RequestOption {
	return func(o *requestOptions) {
		o.autoCompress = true
	}
}

// OpenURL issues a single HTTP request with no caching. The caller
// owns the response and must close its body.
func (c *Client) OpenURL(ctx context.Context, url string, opts ...RequestOption) (*http.Response, error) {
	o := requestOptions{method: http.MethodGet}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	req, err := http.NewRequestWithContext(ctx, o.method, url, nil)
	if err != nil {
		return nil, err
	}
	for name, values := range o.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if o.rangeHeader != "" {
		req.Header.Set("Range", o.rangeHeader)
	}
	if o.autoCompress {
		req.Header.Set("Accept-Encoding", "gzip")
	} else if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if o.autoCompress && resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("webcache: opening gzip body: %w", err)
		}
		resp.Body = &gzipBody{zr: zr, raw: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

// gzipBody decompresses a gzip response body and closes both readers.
type gzipBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *gzipBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

// origin adapts the client to the partial.Origin interface. Both paths
// force identity encoding so file offsets are byte-exact.
type origin struct {
	client *Client
}

func (o *origin) Open(ctx context.Context, url string) (*http.Response, error) {
	return o.client.OpenURL(ctx, url)
}

func (o *origin) OpenRange(ctx context.Context, url string, start, end int64) (*http.Response, error) {
	return o.client.OpenURL(ctx, url, func(ro *requestOptions) {
		ro.rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
	})
}
