package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// PostgresLedger implements Ledger with conditional single-statement
// updates. The row lock taken by UPDATE serializes concurrent reservations
// on the same key, and the WHERE guard makes oversell impossible.
type PostgresLedger struct {
	q database.Querier
}

// NewPostgresLedger binds the ledger to a *sql.DB or *sql.Tx.
func NewPostgresLedger(q database.Querier) *PostgresLedger {
	return &PostgresLedger{q: q}
}

func (l *PostgresLedger) Reserve(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	res, err := l.q.ExecContext(ctx, `
		UPDATE inventory
		SET available = available - $3, reserved = reserved + $3, updated_at = NOW()
		WHERE warehouse_id = $1 AND variant_id = $2 AND available >= $3`,
		warehouseID, variantID, qty)
	if err != nil {
		return fmt.Errorf("inventory: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inventory: reserve: %w", err)
	}
	if n == 1 {
		return nil
	}

	available := 0
	row, err := l.Get(ctx, warehouseID, variantID)
	switch {
	case err == nil:
		available = row.Available
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return &InsufficientStockError{
		WarehouseID: warehouseID,
		VariantID:   variantID,
		Requested:   qty,
		Available:   available,
	}
}

func (l *PostgresLedger) Release(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	res, err := l.q.ExecContext(ctx, `
		UPDATE inventory
		SET available = available + $3, reserved = reserved - $3, updated_at = NOW()
		WHERE warehouse_id = $1 AND variant_id = $2 AND reserved >= $3`,
		warehouseID, variantID, qty)
	if err != nil {
		return fmt.Errorf("inventory: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inventory: release: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s qty %d", ErrReleaseExceedsReserved, warehouseID, variantID, qty)
	}
	return nil
}

func (l *PostgresLedger) Get(ctx context.Context, warehouseID, variantID string) (*Row, error) {
	row := l.q.QueryRowContext(ctx,
		"SELECT warehouse_id, variant_id, available, reserved, on_hand, updated_at FROM inventory WHERE warehouse_id = $1 AND variant_id = $2",
		warehouseID, variantID)

	var r Row
	err := row.Scan(&r.WarehouseID, &r.VariantID, &r.Available, &r.Reserved, &r.OnHand, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: get: %w", err)
	}
	return &r, nil
}

// Restock adds physically received units to available and on_hand,
// creating the row when needed.
func (l *PostgresLedger) Restock(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO inventory (warehouse_id, variant_id, available, reserved, on_hand, updated_at)
		VALUES ($1, $2, $3, 0, $3, NOW())
		ON CONFLICT (warehouse_id, variant_id) DO UPDATE SET
			available = inventory.available + EXCLUDED.available,
			on_hand = inventory.on_hand + EXCLUDED.on_hand,
			updated_at = NOW()`,
		warehouseID, variantID, qty)
	if err != nil {
		return fmt.Errorf("inventory: restock: %w", err)
	}
	return nil
}

func (l *PostgresLedger) WriteOff(ctx context.Context, warehouseID, variantID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	res, err := l.q.ExecContext(ctx, `
		UPDATE inventory
		SET available = available - $3, on_hand = on_hand - $3, updated_at = NOW()
		WHERE warehouse_id = $1 AND variant_id = $2 AND available >= $3`,
		warehouseID, variantID, qty)
	if err != nil {
		return fmt.Errorf("inventory: write off: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inventory: write off: %w", err)
	}
	if n == 1 {
		return nil
	}
	available := 0
	row, err := l.Get(ctx, warehouseID, variantID)
	switch {
	case err == nil:
		available = row.Available
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return &InsufficientStockError{WarehouseID: warehouseID, VariantID: variantID, Requested: qty, Available: available}
}

// Inconsistent lists rows that break any ledger invariant.
func (l *PostgresLedger) Inconsistent(ctx context.Context) ([]Row, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT warehouse_id, variant_id, available, reserved, on_hand, updated_at
		FROM inventory
		WHERE available < 0 OR reserved < 0 OR reserved > on_hand OR available + reserved <> on_hand
		ORDER BY warehouse_id, variant_id`)
	if err != nil {
		return nil, fmt.Errorf("inventory: audit: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.WarehouseID, &r.VariantID, &r.Available, &r.Reserved, &r.OnHand, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("inventory: audit scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
