package webcache

import (
	"bytes"
	"context"
	"fmt"
	"os"

	gojson "github.com/goccy/go-json"

	"github.com/meigma/webcache/codec"
	"github.com/meigma/webcache/internal/urlkey"
)

// jsonMagic marks a cached data file as holding the binary-encoded
// form of a JSON document instead of its original text.
var jsonMagic = []byte("json")

// GetAsJSON fetches url through the file cache and returns its JSON
// document as a decoded value (nil, bool, int32, int64, float64,
// string, []any, map[any]any).
//
// On first fetch the text is parsed, re-encoded in the binary value
// format, and the data file is rewritten as magic plus binary, so
// later calls skip text parsing entirely. Concurrent calls for one URL
// share a single parse.
func (c *Client) GetAsJSON(ctx context.Context, url string, opts ...GetOption) (any, error) {
	v, err, _ := c.jsonGroup.Do(url, func() (any, error) {
		path, err := c.GetFile(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if bytes.HasPrefix(data, jsonMagic) {
			return codec.Decode(data[len(jsonMagic):])
		}
		return c.transcode(url, path, data)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// transcode parses textual JSON, rewrites the data file in binary
// form, and re-accounts the entry size.
func (c *Client) transcode(url, path string, data []byte) (any, error) {
	parsed, err := parseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("webcache: parsing json from %s: %w", url, err)
	}
	encoded, err := codec.Encode(parsed)
	if err != nil {
		return nil, err
	}

	tmp := path + tempSuffix
	out := make([]byte, 0, len(jsonMagic)+len(encoded))
	out = append(out, jsonMagic...)
	out = append(out, encoded...)
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := c.cache.Update(urlkey.Hash(url)); err != nil {
		return nil, err
	}

	// Decode the binary form so every call returns the same value
	// shapes regardless of which branch served it.
	return codec.Decode(encoded)
}

// parseJSON decodes text keeping int64 and float64 distinct.
func parseJSON(data []byte) (any, error) {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize maps json.Number to int64 or float64.
func normalize(v any) any {
	switch v := v.(type) {
	case gojson.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, item := range v {
			v[i] = normalize(item)
		}
		return v
	case map[string]any:
		for key, val := range v {
			v[key] = normalize(val)
		}
		return v
	default:
		return v
	}
}
