// Package persist stores a small string-keyed settings map in a
// single file encoded with the binary value codec, so files written by
// other implementations of the same format load unchanged.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/webcache/codec"
)

// FileName is the settings file name under the documents directory.
const FileName = "_persist_values"

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("persist: key not found")

// Values is a persisted map of string keys to codec values. All
// methods are safe for concurrent use; every mutation rewrites the
// file atomically.
type Values struct {
	path string

	mu     sync.Mutex
	values map[any]any
}

// Open loads the settings file under dir, starting empty if the file
// does not exist. A file that exists but fails to decode is an error;
// the caller decides whether to delete it.
func Open(dir string) (*Values, error) {
	v := &Values{
		path:   filepath.Join(dir, FileName),
		values: make(map[any]any),
	}
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return nil, err
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("persist: reading %s: %w", v.path, err)
	}
	m, ok := decoded.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("persist: %s does not hold a map", v.path)
	}
	v.values = m
	return v, nil
}

// Get returns the value stored under key.
func (v *Values) Get(key string) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return val, nil
}

// GetString returns the string stored under key, or fallback when the
// key is absent or holds a different type.
func (v *Values) GetString(key, fallback string) string {
	val, err := v.Get(key)
	if err != nil {
		return fallback
	}
	s, ok := val.(string)
	if !ok {
		return fallback
	}
	return s
}

// Set stores value under key and saves the file. Values must be
// representable in the codec.
func (v *Values) Set(key string, value any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, had := v.values[key]
	v.values[key] = value
	if err := v.save(); err != nil {
		if had {
			v.values[key] = prev
		} else {
			delete(v.values, key)
		}
		return err
	}
	return nil
}

// Delete removes key and saves the file. Deleting an absent key is a
// no-op.
func (v *Values) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, had := v.values[key]
	if !had {
		return nil
	}
	delete(v.values, key)
	if err := v.save(); err != nil {
		v.values[key] = prev
		return err
	}
	return nil
}

// Keys returns the stored string keys.
func (v *Values) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.values))
	for key := range v.values {
		if s, ok := key.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// Len returns the number of stored entries.
func (v *Values) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.values)
}

// save writes the map to a temporary file and renames it into place.
func (v *Values) save() error {
	data, err := codec.Encode(v.values)
	if err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
