// Package dirs resolves the per-user directories the cache stores its
// data under.
package dirs

import (
	"os"
	"path/filepath"
)

// AppName is the directory name used under the OS cache directory.
const AppName = "webcache"

// Dirs holds the resolved locations. Resolve fills any location not
// set by an option with the OS default.
type Dirs struct {
	cache     string
	documents string
}

// Option overrides a resolved directory.
type Option func(*Dirs)

// WithCacheDir overrides the cache directory.
func WithCacheDir(dir string) Option {
	return func(d *Dirs) {
		d.cache = dir
	}
}

// WithDocumentsDir overrides the documents directory.
func WithDocumentsDir(dir string) Option {
	return func(d *Dirs) {
		d.documents = dir
	}
}

// Resolve returns the directories for this process, applying any
// overrides first and falling back to the OS-provided locations.
func Resolve(opts ...Option) (*Dirs, error) {
	d := &Dirs{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.cache == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		d.cache = filepath.Join(base, AppName)
	}
	if d.documents == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		d.documents = home
	}
	return d, nil
}

// Cache returns the directory for disposable cached data.
func (d *Dirs) Cache() string { return d.cache }

// Documents returns the directory for durable user data, such as the
// persisted settings file.
func (d *Dirs) Documents() string { return d.documents }
