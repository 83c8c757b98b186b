// Package storage keeps uploaded media on the local filesystem, one file per
// episode named "{id}.{ext}".
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"podsearch/internal/apperr"
)

// Store is a directory of media files.
type Store struct {
	dir string
}

// New creates the directory if needed and returns a Store rooted at it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Storage("create media dir", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns where the file for id and ext lives.
func (s *Store) Path(id, ext string) string {
	return filepath.Join(s.dir, filename(id, ext))
}

func filename(id, ext string) string {
	// Names come from our own UUIDs and a fixed extension set; reject anything else.
	name := id + "." + strings.TrimPrefix(ext, ".")
	return filepath.Base(filepath.Clean("/" + name))
}

// Save writes data atomically: it is written to a temporary file first and
// renamed into place, so readers never observe a partial file.
func (s *Store) Save(id, ext string, data io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return 0, apperr.Storage("save media", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, data)
	if err != nil {
		tmp.Close()
		return 0, apperr.Storage("save media", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, apperr.Storage("save media", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(id, ext)); err != nil {
		return 0, apperr.Storage("save media", err)
	}
	return n, nil
}

// Open returns the stored file. Missing files are reported as apperr.ErrNotFound.
func (s *Store) Open(id, ext string) (*os.File, error) {
	f, err := os.Open(s.Path(id, ext))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("media %s: %w", filename(id, ext), apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Storage("open media", err)
	}
	return f, nil
}

// Exists reports whether the file is present.
func (s *Store) Exists(id, ext string) bool {
	_, err := os.Stat(s.Path(id, ext))
	return err == nil
}

// Delete removes the file. Deleting a missing file is not an error.
func (s *Store) Delete(id, ext string) error {
	err := os.Remove(s.Path(id, ext))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Storage("delete media", err)
	}
	return nil
}
