package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// MemoryIntentStore implements IntentStore in memory.
type MemoryIntentStore struct {
	mu      sync.RWMutex
	intents map[string]Intent
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{intents: make(map[string]Intent)}
}

func (s *MemoryIntentStore) Create(ctx context.Context, in *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.ID] = *in
	return nil
}

func (s *MemoryIntentStore) Get(ctx context.Context, id string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &in, nil
}

func (s *MemoryIntentStore) GetByOrder(ctx context.Context, orderID string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, in := range s.intents {
		if in.OrderID == orderID {
			val := in
			return &val, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryIntentStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Status != from {
		return ErrStale
	}
	in.Status = to
	in.UpdatedAt = at
	s.intents[id] = in
	return nil
}

func (s *MemoryIntentStore) SetProviderRef(ctx context.Context, id, ref string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return ErrNotFound
	}
	in.ProviderRef = ref
	in.UpdatedAt = at
	s.intents[id] = in
	return nil
}

func (s *MemoryIntentStore) ListExpired(ctx context.Context, now time.Time, after database.Cursor, limit int) ([]Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Intent
	for _, in := range s.intents {
		if in.Expired(now) && after.Before(in.ExpiresAt, in.ID) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return database.Less(out[i].ExpiresAt, out[i].ID, out[j].ExpiresAt, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot copies the current state and returns a func restoring it.
func (s *MemoryIntentStore) Snapshot() func() {
	s.mu.RLock()
	saved := make(map[string]Intent, len(s.intents))
	for k, v := range s.intents {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.intents = saved
		s.mu.Unlock()
	}
}

// MemoryEventStore implements EventStore in memory.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]string
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]string)}
}

func (s *MemoryEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *MemoryEventStore) Record(ctx context.Context, eventID, orderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	s.events[eventID] = orderID
	return true, nil
}

// Snapshot copies the current state and returns a func restoring it.
func (s *MemoryEventStore) Snapshot() func() {
	s.mu.Lock()
	saved := make(map[string]string, len(s.events))
	for k, v := range s.events {
		saved[k] = v
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.events = saved
		s.mu.Unlock()
	}
}
