package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]Message)}
}

func (s *MemoryStore) Enqueue(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = *m
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Message
	for _, m := range s.messages {
		if m.Status == StatusPending && !m.ScheduledAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].ScheduledAt = now.Add(lease)
		due[i].UpdatedAt = now
		s.messages[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(m *Message) bool {
		m.Status = StatusSent
		m.Attempts++
		m.SentAt = &at
		m.UpdatedAt = at
		return true
	})
}

func (s *MemoryStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error {
	return s.update(id, func(m *Message) bool {
		m.Attempts = attempts
		m.ScheduledAt = next
		m.LastError = lastErr
		m.UpdatedAt = at
		return true
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return s.update(id, func(m *Message) bool {
		m.Status = StatusFailed
		m.Attempts = attempts
		m.LastError = lastErr
		m.UpdatedAt = at
		return true
	})
}

func (s *MemoryStore) DeadLetters(ctx context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Status == StatusFailed {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Retry(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(m *Message) bool {
		if m.Status != StatusFailed {
			return false
		}
		m.Status = StatusPending
		m.Attempts = 0
		m.ScheduledAt = at
		m.LastError = ""
		m.UpdatedAt = at
		return true
	})
}

func (s *MemoryStore) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if m.Status == StatusSent && m.SentAt != nil && m.SentAt.Before(before) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, m := range s.messages {
		switch m.Status {
		case StatusPending:
			st.Pending++
		case StatusSent:
			st.Sent++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// Get returns one message.
func (s *MemoryStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// All returns every message ordered by creation time.
func (s *MemoryStore) All() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Snapshot copies the current state and returns a func restoring it.
func (s *MemoryStore) Snapshot() func() {
	s.mu.Lock()
	saved := make(map[string]Message, len(s.messages))
	for k, v := range s.messages {
		saved[k] = v
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.messages = saved
		s.mu.Unlock()
	}
}

func (s *MemoryStore) update(id string, fn func(m *Message) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || !fn(&m) {
		return ErrNotFound
	}
	s.messages[id] = m
	return nil
}
