package order

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// MemoryStore implements Store in memory. HasIntent reports whether an
// order has a payment intent, for ListOrphaned.
type MemoryStore struct {
	mu        sync.Mutex
	orders    map[string]Order
	history   []HistoryEntry
	HasIntent func(orderID string) bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order)}
}

func (s *MemoryStore) Create(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.IdempotencyKey != "" {
		for _, existing := range s.orders {
			if existing.IdempotencyKey == o.IdempotencyKey {
				return ErrDuplicateKey
			}
		}
	}
	s.orders[o.ID] = clone(*o)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(o)
	return &out, nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if key != "" && o.IdempotencyKey == key {
			out := clone(o)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return ErrStale
	}
	o.Status = to
	o.UpdatedAt = at
	if to == StatusCancelled {
		o.CancelReason = reason
	}
	s.orders[id] = o
	return nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, h HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.OrderID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MemoryStore) CustomerStats(ctx context.Context, email string, since time.Time) (CustomerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st CustomerStats
	for _, o := range s.orders {
		if !strings.EqualFold(o.Customer.Email, strings.TrimSpace(email)) {
			continue
		}
		st.PriorOrders++
		if !o.CreatedAt.Before(since) {
			st.RecentOrders++
		}
	}
	return st, nil
}

func (s *MemoryStore) ListOrphaned(ctx context.Context, before time.Time, after database.Cursor, limit int) ([]Order, error) {
	return s.filter(limit, func(o Order) bool {
		if o.Status != StatusPending || o.PaymentMethod.Cash() || !o.CreatedAt.Before(before) || !after.Before(o.CreatedAt, o.ID) {
			return false
		}
		return s.HasIntent == nil || !s.HasIntent(o.ID)
	}, func(o Order) time.Time { return o.CreatedAt })
}

func (s *MemoryStore) ListStuckPaid(ctx context.Context, before time.Time, limit int) ([]Order, error) {
	return s.filter(limit, func(o Order) bool {
		return o.Status == StatusPaid && o.UpdatedAt.Before(before)
	}, func(o Order) time.Time { return o.UpdatedAt })
}

func (s *MemoryStore) filter(limit int, keep func(Order) bool, by func(Order) time.Time) ([]Order, error) {
	s.mu.Lock()
	var out []Order
	for _, o := range s.orders {
		out = append(out, clone(o))
	}
	s.mu.Unlock()

	kept := out[:0]
	for _, o := range out {
		if keep(o) {
			kept = append(kept, o)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return database.Less(by(kept[i]), kept[i].ID, by(kept[j]), kept[j].ID) })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept, nil
}

// Snapshot copies the current state and returns a func restoring it.
func (s *MemoryStore) Snapshot() func() {
	s.mu.Lock()
	orders := make(map[string]Order, len(s.orders))
	for k, v := range s.orders {
		orders[k] = clone(v)
	}
	history := append([]HistoryEntry(nil), s.history...)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.orders = orders
		s.history = history
		s.mu.Unlock()
	}
}

func clone(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	if o.RiskScore != nil {
		v := *o.RiskScore
		o.RiskScore = &v
	}
	return o
}
