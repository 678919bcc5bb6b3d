package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gotd/td/session"
)

// FileSessionStorage persists one account's session blob in a single file.
type FileSessionStorage struct {
	mu   sync.Mutex
	path string
}

var _ session.Storage = (*FileSessionStorage)(nil)

// NewFileSessionStorage creates the parent directory of path if needed.
func NewFileSessionStorage(path string) (*FileSessionStorage, error) {
	if path == "" {
		return nil, errors.New("session path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileSessionStorage{path: path}, nil
}

// Path returns the session file location.
func (s *FileSessionStorage) Path() string {
	return s.path
}

// LoadSession returns session.ErrNotFound when no session was stored yet.
func (s *FileSessionStorage) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return data, nil
}

// StoreSession overwrites the session file atomically.
func (s *FileSessionStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
