package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type key struct{ warehouse, variant string }

// MemoryLedger implements Ledger in memory.
// Thread-safe via RWMutex.
type MemoryLedger struct {
	mu    sync.RWMutex
	rows  map[key]*Row
	clock func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[key]*Row), clock: time.Now}
}

func (l *MemoryLedger) Reserve(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rows[key{warehouseID, variantID}]
	if !ok || r.Available < qty {
		available := 0
		if ok {
			available = r.Available
		}
		return &InsufficientStockError{WarehouseID: warehouseID, VariantID: variantID, Requested: qty, Available: available}
	}
	r.Available -= qty
	r.Reserved += qty
	r.UpdatedAt = l.clock()
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rows[key{warehouseID, variantID}]
	if !ok || r.Reserved < qty {
		return fmt.Errorf("%w: %s/%s qty %d", ErrReleaseExceedsReserved, warehouseID, variantID, qty)
	}
	r.Available += qty
	r.Reserved -= qty
	r.UpdatedAt = l.clock()
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, warehouseID, variantID string) (*Row, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rows[key{warehouseID, variantID}]
	if !ok {
		return nil, ErrNotFound
	}
	val := *r
	return &val, nil
}

func (l *MemoryLedger) Restock(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{warehouseID, variantID}
	r, ok := l.rows[k]
	if !ok {
		r = &Row{WarehouseID: warehouseID, VariantID: variantID}
		l.rows[k] = r
	}
	r.Available += qty
	r.OnHand += qty
	r.UpdatedAt = l.clock()
	return nil
}

func (l *MemoryLedger) WriteOff(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[key{warehouseID, variantID}]
	if !ok || r.Available < qty {
		available := 0
		if ok {
			available = r.Available
		}
		return &InsufficientStockError{WarehouseID: warehouseID, VariantID: variantID, Requested: qty, Available: available}
	}
	r.Available -= qty
	r.OnHand -= qty
	r.UpdatedAt = l.clock()
	return nil
}

// Put overwrites a row verbatim, bypassing every guard. Used to seed
// fixtures, including corrupt ones for audits.
func (l *MemoryLedger) Put(r Row) {
	l.mu.Lock()
	defer l.mu.Unlock()
	val := r
	l.rows[key{r.WarehouseID, r.VariantID}] = &val
}

func (l *MemoryLedger) Inconsistent(ctx context.Context) ([]Row, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Row
	for _, r := range l.rows {
		if !r.Consistent() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WarehouseID != out[j].WarehouseID {
			return out[i].WarehouseID < out[j].WarehouseID
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out, nil
}

// Snapshot copies the current state and returns a func restoring it.
func (l *MemoryLedger) Snapshot() func() {
	l.mu.RLock()
	saved := make(map[key]Row, len(l.rows))
	for k, r := range l.rows {
		saved[k] = *r
	}
	l.mu.RUnlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.rows = make(map[key]*Row, len(saved))
		for k, r := range saved {
			val := r
			l.rows[k] = &val
		}
	}
}
