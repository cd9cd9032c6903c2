package fraud

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryReviewStore implements ReviewStore in memory.
type MemoryReviewStore struct {
	mu      sync.RWMutex
	reviews map[string]Review
}

func NewMemoryReviewStore() *MemoryReviewStore {
	return &MemoryReviewStore{reviews: make(map[string]Review)}
}

func (s *MemoryReviewStore) Create(ctx context.Context, r *Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[r.OrderID] = *r
	return nil
}

func (s *MemoryReviewStore) Get(ctx context.Context, orderID string) (*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviews[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryReviewStore) Resolve(ctx context.Context, orderID string, status ReviewStatus, reviewer, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[orderID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != ReviewPending {
		return ErrNotPending
	}
	r.Status = status
	r.ReviewedBy = reviewer
	r.Note = note
	r.ReviewedAt = &at
	s.reviews[orderID] = r
	return nil
}

func (s *MemoryReviewStore) ListPending(ctx context.Context, limit int) ([]Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Review
	for _, r := range s.reviews {
		if r.Status == ReviewPending && r.Blocking {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot copies the current state and returns a func restoring it.
func (s *MemoryReviewStore) Snapshot() func() {
	s.mu.RLock()
	saved := make(map[string]Review, len(s.reviews))
	for k, v := range s.reviews {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.reviews = saved
		s.mu.Unlock()
	}
}

// MemoryProfileStore implements ProfileStore in memory.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]Profile)}
}

func (s *MemoryProfileStore) Profile(ctx context.Context, email string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := normalizeEmail(email)
	if p, ok := s.profiles[key]; ok {
		return p, nil
	}
	return Profile{Email: key}, nil
}

func (s *MemoryProfileStore) RecordConfirmedFraud(ctx context.Context, email string, delta int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeEmail(email)
	p := s.profiles[key]
	p.Email = key
	p.RiskScore = min(p.RiskScore+delta, 100)
	p.UpdatedAt = at
	s.profiles[key] = p
	return nil
}

// Put seeds a profile.
func (s *MemoryProfileStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Email = normalizeEmail(p.Email)
	s.profiles[p.Email] = p
}

// Snapshot copies the current state and returns a func restoring it.
func (s *MemoryProfileStore) Snapshot() func() {
	s.mu.RLock()
	saved := make(map[string]Profile, len(s.profiles))
	for k, v := range s.profiles {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.profiles = saved
		s.mu.Unlock()
	}
}
