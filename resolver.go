package dynld

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sliverarmory/dynld/elfobj"
)

// ByteSource is an open, random-access view of a candidate module.
type ByteSource interface {
	elfobj.ByteSource
	io.Closer
}

// Resolver is the environment's open-by-name capability. A missing module
// must be reported with an error satisfying errors.Is(err, ErrNotFound);
// every other failure is treated as an I/O error, not a resolution miss.
type Resolver interface {
	Open(name string) (ByteSource, error)
}

// PathResolver locates modules on disk. Names containing a path separator
// are opened directly; bare sonames are searched across the configured
// library paths in order.
type PathResolver struct {
	paths []string
}

func NewPathResolver(paths ...string) *PathResolver {
	return &PathResolver{paths: append([]string(nil), paths...)}
}

func (r *PathResolver) Open(name string) (ByteSource, error) {
	if name == "" {
		return nil, fmt.Errorf("empty module name: %w", ErrNotFound)
	}
	if filepath.Base(name) != name {
		return r.openFile(name)
	}
	for _, dir := range r.paths {
		src, err := r.openFile(filepath.Join(dir, name))
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (r *PathResolver) openFile(path string) (ByteSource, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &fileSource{File: f, size: info.Size()}, nil
}

type fileSource struct {
	*os.File
	size int64
}

func (s *fileSource) Size() int64 {
	return s.size
}

// MapResolver serves modules from an in-memory table and records every open
// attempt, so tests can assert that a failing path performed no I/O.
type MapResolver struct {
	mu     sync.Mutex
	images map[string][]byte
	opens  []string
}

func NewMapResolver() *MapResolver {
	return &MapResolver{images: make(map[string][]byte)}
}

// Add registers an image under a name.
func (r *MapResolver) Add(name string, image []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[name] = image
}

// Opens returns every name passed to Open, in order.
func (r *MapResolver) Opens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opens...)
}

func (r *MapResolver) Open(name string) (ByteSource, error) {
	r.mu.Lock()
	r.opens = append(r.opens, name)
	image, ok := r.images[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return &memSource{Reader: bytes.NewReader(image)}, nil
}

type memSource struct {
	*bytes.Reader
}

func (s *memSource) Size() int64 {
	return s.Reader.Size()
}

func (s *memSource) Close() error {
	return nil
}
