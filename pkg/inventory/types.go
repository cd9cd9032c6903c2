// Package inventory implements the per-warehouse stock reservation ledger.
//
// Every row tracks available and reserved units for one variant in one
// warehouse alongside the physical on-hand count. Reserve and Release move
// units between available and reserved atomically; neither counter is ever
// allowed to go negative.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Row is one (warehouse, variant) ledger entry.
type Row struct {
	WarehouseID string    `json:"warehouse_id"`
	VariantID   string    `json:"variant_id"`
	Available   int       `json:"available"`
	Reserved    int       `json:"reserved"`
	OnHand      int       `json:"on_hand"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Consistent reports whether the row satisfies the ledger invariants.
func (r Row) Consistent() bool {
	return r.Available >= 0 && r.Reserved >= 0 && r.Available+r.Reserved == r.OnHand
}

// Ledger moves stock between available and reserved.
type Ledger interface {
	// Reserve moves qty units from available to reserved. It fails with
	// *InsufficientStockError and changes nothing when available < qty.
	Reserve(ctx context.Context, warehouseID, variantID string, qty int) error
	// Release moves qty units from reserved back to available.
	Release(ctx context.Context, warehouseID, variantID string, qty int) error
	// Get returns the current row or ErrNotFound.
	Get(ctx context.Context, warehouseID, variantID string) (*Row, error)
}

// Stocker records physical stock movements that change on_hand.
type Stocker interface {
	Restock(ctx context.Context, warehouseID, variantID string, qty int) error
	// WriteOff removes qty lost or damaged units from available and
	// on_hand. Reserved units are never written off.
	WriteOff(ctx context.Context, warehouseID, variantID string, qty int) error
}

// Auditor lists rows that violate the ledger invariants.
type Auditor interface {
	Inconsistent(ctx context.Context) ([]Row, error)
}

var (
	// ErrNotFound is returned when no ledger row exists for the key.
	ErrNotFound = errors.New("inventory: row not found")
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrReleaseExceedsReserved is returned when a release would drive
	// reserved below zero.
	ErrReleaseExceedsReserved = errors.New("inventory: release exceeds reserved")
)

// InsufficientStockError reports a reservation that could not be satisfied.
type InsufficientStockError struct {
	WarehouseID string
	VariantID   string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s/%s: requested %d, available %d",
		e.WarehouseID, e.VariantID, e.Requested, e.Available)
}

// Code returns the stable error code.
func (e *InsufficientStockError) Code() string { return "INSUFFICIENT_STOCK" }

// IsInsufficientStock reports whether err carries an *InsufficientStockError.
func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}
