// Package archive stores reconciliation reports and other operator
// artifacts in a file tree or object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sink persists named blobs. Keys are slash-separated relative paths.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

var ErrNotFound = errors.New("archive: object not found")

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("archive: invalid key %q", key)
	}
	return nil
}

// FileSink writes blobs under a base directory.
type FileSink struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileSink(baseDir string) (*FileSink, error) {
	//nolint:gosec // G301: report directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileSink{baseDir: baseDir}, nil
}

func (s *FileSink) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("archive: ensure dir: %w", err)
	}
	// Write to temp, then rename
	tmp := path + ".tmp"
	//nolint:gosec // G306: reports are readable by operators
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("archive: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: commit %s: %w", key, err)
	}
	return nil
}

func (s *FileSink) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(key))) //nolint:gosec // key validated
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

// MemorySink keeps blobs in memory.
type MemorySink struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte)}
}

func (s *MemorySink) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemorySink) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Keys lists stored keys.
func (s *MemorySink) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}
