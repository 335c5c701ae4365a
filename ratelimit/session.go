package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SessionStore persists the client session id between runs.
type SessionStore interface {
	Load() (string, error)
	Save(id string) error
}

// MemorySessionStore keeps the id for the life of the process.
type MemorySessionStore struct {
	mu sync.Mutex
	id string
}

func (s *MemorySessionStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemorySessionStore) Save(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

// FileSessionStore keeps the id in a file.
type FileSessionStore struct {
	Path string
}

// DefaultSessionPath is the session file under the user cache directory.
func DefaultSessionPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sandpit", "session"), nil
}

func (s *FileSessionStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileSessionStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}
