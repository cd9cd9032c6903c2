package settings

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   func() time.Time
	// failErr, when set, is returned by every call.
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), clock: time.Now}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	e.Value = append(json.RawMessage(nil), e.Value...)
	return &e, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value json.RawMessage) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	return s.write(key, value, s.entries[key].Version+1), nil
}

func (s *MemoryStore) CompareAndPut(ctx context.Context, key string, value json.RawMessage, expected int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	if s.entries[key].Version != expected {
		return nil, ErrVersionConflict
	}
	return s.write(key, value, expected+1), nil
}

func (s *MemoryStore) write(key string, value json.RawMessage, version int64) *Entry {
	e := Entry{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Version:   version,
		UpdatedAt: s.clock(),
	}
	s.entries[key] = e
	return &e
}
