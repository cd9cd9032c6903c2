package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]Request)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.Status == StatusPending && existing.ActionHash == r.ActionHash {
			return ErrDuplicate
		}
	}
	s.requests[r.ID] = *r
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) FindPendingByHash(ctx context.Context, hash string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.Status == StatusPending && r.ActionHash == hash {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RecordApproval(ctx context.Context, id, approver string, step Step, at time.Time) error {
	return s.update(id, func(r *Request) bool {
		if r.Status != StatusPending {
			return false
		}
		switch step {
		case StepSole, StepFirst:
			if r.ApprovedBy != "" {
				return false
			}
			r.ApprovedBy = approver
			if step == StepSole {
				r.Status = StatusApproved
				r.ResolvedAt = &at
			}
		case StepSecond:
			if r.ApprovedBy == "" || r.ApprovedBy == approver || r.SecondApprovedBy != "" {
				return false
			}
			r.SecondApprovedBy = approver
			r.Status = StatusApproved
			r.ResolvedAt = &at
		default:
			return false
		}
		r.UpdatedAt = at
		return true
	})
}

func (s *MemoryStore) Reject(ctx context.Context, id, rejector, reason string, at time.Time) error {
	return s.update(id, func(r *Request) bool {
		if r.Status != StatusPending {
			return false
		}
		r.Status = StatusRejected
		r.RejectedBy = rejector
		r.RejectReason = reason
		r.ResolvedAt = &at
		r.UpdatedAt = at
		return true
	})
}

func (s *MemoryStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(r *Request) bool {
		if r.Status != StatusApproved || r.ExecutedAt != nil {
			return false
		}
		r.ExecutedAt = &at
		r.UpdatedAt = at
		return true
	})
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) update(id string, fn func(r *Request) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if !fn(&r) {
		return ErrStale
	}
	s.requests[id] = r
	return nil
}
