package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// LocalStorage implements Backend on the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Open opens the data file for name, creating it when missing.
func (s *LocalStorage) Open(name string) (Handle, error) {
	path, err := s.GetPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	return file, nil
}

// Remove deletes the data file for name. A missing file is not an error.
func (s *LocalStorage) Remove(name string) error {
	path, err := s.GetPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove upload file: %w", err)
	}
	return nil
}

// Get opens the stored data for reading.
func (s *LocalStorage) Get(name string) (io.ReadCloser, error) {
	path, err := s.GetPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("upload not found: %s", name)
		}
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	return file, nil
}

// Digest returns the hex blake2b-256 of the stored data.
func (s *LocalStorage) Digest(name string) (string, error) {
	r, err := s.Get(name)
	if err != nil {
		return "", err
	}
	defer r.Close()

	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash upload file: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// GetPath returns the file path for an upload name.
func (s *LocalStorage) GetPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid upload name: %q", name)
	}
	return filepath.Join(s.basePath, name+".data"), nil
}
