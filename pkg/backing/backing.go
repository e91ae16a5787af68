package backing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Store is the shared filesystem the responsible node reads from.
// A missing file is not an error: found is false.
type Store interface {
	Load(dir, file string) (data []byte, found bool, err error)
}

// FS reads files below Root. An empty Root reads absolute paths as is.
type FS struct {
	Root string
}

func (s FS) Load(dir, file string) ([]byte, bool, error) {
	p := filepath.Join(s.Root, dir, file)
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("backing: read %s: %w", p, err)
	}
	return b, true, nil
}

// Map is an in-memory store keyed by dir/file that counts its reads.
type Map struct {
	mu    sync.RWMutex
	files map[string][]byte
	reads atomic.Int64
}

func NewMap(files map[string][]byte) *Map {
	m := &Map{files: make(map[string][]byte, len(files))}
	for p, b := range files {
		m.files[filepath.Clean(p)] = b
	}
	return m
}

func (m *Map) Put(p string, b []byte) {
	m.mu.Lock()
	m.files[filepath.Clean(p)] = b
	m.mu.Unlock()
}

func (m *Map) Load(dir, file string) ([]byte, bool, error) {
	m.reads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.files[filepath.Join(dir, file)]
	return b, ok, nil
}

// Reads is how many Load calls reached the store.
func (m *Map) Reads() int64 { return m.reads.Load() }
