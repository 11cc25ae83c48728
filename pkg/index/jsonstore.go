package index

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// JSONStore persists the set as one JSON array of strings. Paths ending in
// ".zst" are zstd-compressed.
type JSONStore struct {
	path     string
	compress bool
}

// NewJSONStore returns a store at path, creating its directory.
func NewJSONStore(path string) (*JSONStore, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonstore: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jsonstore mkdir: %w", err)
	}
	return &JSONStore{path: path, compress: strings.HasSuffix(path, ".zst")}, nil
}

// Path returns the file the store writes.
func (s *JSONStore) Path() string { return s.path }

func (s *JSONStore) Load(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if s.compress {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("jsonstore: zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	var paths []string
	if err := json.NewDecoder(r).Decode(&paths); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonstore: decode %s: %w", s.path, err)
	}
	return paths, nil
}

func (s *JSONStore) Save(ctx context.Context, paths []string) error {
	if paths == nil {
		paths = []string{}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "index-*")
	if err != nil {
		return err
	}
	if err := s.encode(tmp, paths); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *JSONStore) encode(w io.Writer, paths []string) error {
	bw := bufio.NewWriter(w)
	if !s.compress {
		if err := json.NewEncoder(bw).Encode(paths); err != nil {
			return err
		}
		return bw.Flush()
	}
	zw, err := zstd.NewWriter(bw)
	if err != nil {
		return fmt.Errorf("jsonstore: zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(paths); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

func (s *JSONStore) Remove(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }
