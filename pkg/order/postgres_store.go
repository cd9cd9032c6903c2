package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

// PostgresStore implements Store on the orders, order_items and
// order_status_history tables.
type PostgresStore struct {
	q database.Querier
}

func NewPostgresStore(q database.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

const orderColumns = "id, idempotency_key, customer_name, customer_email, customer_phone, shipping_address, shipping_city, payment_method, status, total_cents, currency, risk_score, cancel_reason, created_at, updated_at"

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	var risk sql.NullInt64
	if o.RiskScore != nil {
		risk = sql.NullInt64{Int64: int64(*o.RiskScore), Valid: true}
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO orders ("+orderColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)",
		o.ID, nullString(o.IdempotencyKey), o.Customer.Name, o.Customer.Email, o.Customer.Phone,
		o.Shipping.Address, o.Shipping.City, string(o.PaymentMethod), string(o.Status),
		o.TotalCents, o.Currency, risk, nullString(o.CancelReason), o.CreatedAt, o.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("order: create %s: %w", o.ID, err)
	}
	for _, it := range o.Items {
		_, err := s.q.ExecContext(ctx,
			"INSERT INTO order_items (order_id, line, variant_id, warehouse_id, sku, name, quantity, unit_price_cents) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			o.ID, it.Line, it.VariantID, it.WarehouseID, it.SKU, it.Name, it.Quantity, it.UnitPriceCents)
		if err != nil {
			return fmt.Errorf("order: create %s item %d: %w", o.ID, it.Line, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return s.one(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return s.one(ctx, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
}

func (s *PostgresStore) one(ctx context.Context, query, arg string) (*Order, error) {
	o, err := scanOrder(s.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order: get: %w", err)
	}
	if o.Items, err = s.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) items(ctx context.Context, orderID string) ([]Item, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT line, variant_id, warehouse_id, sku, name, quantity, unit_price_cents FROM order_items WHERE order_id = $1 ORDER BY line",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("order: items %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Line, &it.VariantID, &it.WarehouseID, &it.SKU, &it.Name, &it.Quantity, &it.UnitPriceCents); err != nil {
			return nil, fmt.Errorf("order: scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, reason string, at time.Time) error {
	query := "UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2"
	args := []any{id, string(from), string(to), at}
	if to == StatusCancelled {
		query = "UPDATE orders SET status = $3, updated_at = $4, cancel_reason = $5 WHERE id = $1 AND status = $2"
		args = append(args, reason)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("order: update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order: update status %s: %w", id, err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, h HistoryEntry) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO order_status_history (order_id, from_status, to_status, actor_id, actor_role, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		h.OrderID, string(h.From), string(h.To), h.ActorID, string(h.ActorRole), nullString(h.Reason), h.At)
	if err != nil {
		return fmt.Errorf("order: append history %s: %w", h.OrderID, err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT order_id, from_status, to_status, actor_id, actor_role, reason, created_at FROM order_status_history WHERE order_id = $1 ORDER BY id",
		id)
	if err != nil {
		return nil, fmt.Errorf("order: history %s: %w", id, err)
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var (
			h              HistoryEntry
			from, to, role string
			reason         sql.NullString
		)
		if err := rows.Scan(&h.OrderID, &from, &to, &h.ActorID, &role, &reason, &h.At); err != nil {
			return nil, fmt.Errorf("order: scan history: %w", err)
		}
		h.From, h.To, h.ActorRole, h.Reason = Status(from), Status(to), Role(role), reason.String
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CustomerStats(ctx context.Context, email string, since time.Time) (CustomerStats, error) {
	var st CustomerStats
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE created_at >= $2) FROM orders WHERE LOWER(customer_email) = $1",
		strings.ToLower(strings.TrimSpace(email)), since).Scan(&st.PriorOrders, &st.RecentOrders)
	if err != nil {
		return CustomerStats{}, fmt.Errorf("order: customer stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListOrphaned(ctx context.Context, before time.Time, after database.Cursor, limit int) ([]Order, error) {
	return s.list(ctx, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.status = 'pending' AND o.payment_method <> 'cod' AND o.created_at < $1
		  AND (o.created_at, o.id) > ($2, $3)
		  AND NOT EXISTS (SELECT 1 FROM payment_intents pi WHERE pi.order_id = o.id)
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT $4`, before, after.At, after.ID, limit)
}

func (s *PostgresStore) ListStuckPaid(ctx context.Context, before time.Time, limit int) ([]Order, error) {
	return s.list(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status = 'paid' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2",
		before, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order: list: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order: scan: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*Order, error) {
	var (
		o              Order
		key, reason    sql.NullString
		method, status string
		risk           sql.NullInt64
	)
	err := sc.Scan(&o.ID, &key, &o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&o.Shipping.Address, &o.Shipping.City, &method, &status, &o.TotalCents, &o.Currency,
		&risk, &reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.IdempotencyKey = key.String
	o.CancelReason = reason.String
	o.PaymentMethod = PaymentMethod(method)
	o.Status = Status(status)
	if risk.Valid {
		v := int(risk.Int64)
		o.RiskScore = &v
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
