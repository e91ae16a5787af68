package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// Store keeps cached file content under a local directory, one file per key:
//
//	<location>/<namespace>/<blake3(dir) hex[:16]>/<file>
type Store struct {
	root string
}

func NewStore(location string) (*Store, error) {
	if location == "" {
		return nil, errors.New("cache: empty location")
	}
	if err := os.MkdirAll(location, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create location: %w", err)
	}
	return &Store{root: location}, nil
}

func (s *Store) Root() string { return s.root }

func dirHash(dir string) string {
	sum := blake3.Sum256([]byte(dir))
	return hex.EncodeToString(sum[:])[:16]
}

// Path is where k's content lives once stored.
func (s *Store) Path(k Key) string {
	return filepath.Join(s.root, k.Namespace.String(), dirHash(k.Dir), filepath.Base(k.File))
}

// Put writes data for k and returns its local path. A key that is already
// on disk is left untouched.
func (s *Store) Put(k Key, data []byte) (string, error) {
	p := s.Path(k)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", err
	}
	if err := writeFileOnce(p, data, 0o600); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return p, nil
		}
		return "", fmt.Errorf("cache: store %s: %w", k, err)
	}
	return p, nil
}

// Has reports whether k is already on disk.
func (s *Store) Has(k Key) (string, bool) {
	p := s.Path(k)
	if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
		return p, true
	}
	return "", false
}

// Index lists the stored files relative to the location.
func (s *Store) Index() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// Remove deletes the whole cache directory.
func (s *Store) Remove() error {
	return os.RemoveAll(s.root)
}

// writeFileOnce creates filename with data, failing if it already exists.
// Readers never observe a partially written file.
func writeFileOnce(filename string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(filename)
	tmpfile, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpname := tmpfile.Name()
	defer func() {
		tmpfile.Close()
		os.Remove(tmpname)
	}()

	n, err := tmpfile.Write(data)
	if err != nil {
		return err
	}
	if n < len(data) {
		return errors.New("short write")
	}
	if err := tmpfile.Chmod(perm); err != nil {
		return err
	}
	if err := tmpfile.Sync(); err != nil {
		return err
	}
	if err := tmpfile.Close(); err != nil {
		return err
	}

	// Link fails if filename exists, unlike Rename.
	return os.Link(tmpname, filename)
}
