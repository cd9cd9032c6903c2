package order

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_UpdateStatusIsGuarded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	update := regexp.QuoteMeta("UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2")
	mock.ExpectExec(update).WithArgs("ord-1", "paid", "shipped", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WithArgs("ord-1", "paid", "shipped", at).WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewPostgresStore(db)
	require.NoError(t, s.UpdateStatus(context.Background(), "ord-1", StatusPaid, StatusShipped, "", at))
	assert.ErrorIs(t, s.UpdateStatus(context.Background(), "ord-1", StatusPaid, StatusShipped, "", at), ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CancelRecordsReason(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("cancel_reason = $5 WHERE id = $1 AND status = $2")).
		WithArgs("ord-1", "pending", "cancelled", at, "payment expired").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStore(db).UpdateStatus(context.Background(), "ord-1", StatusPending, StatusCancelled, "payment expired", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err = NewPostgresStore(db).Create(context.Background(), &Order{ID: "ord-1", IdempotencyKey: "k", Status: StatusPending})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestPostgresStore_GetLoadsItems(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + orderColumns + " FROM orders WHERE id = $1")).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "idempotency_key", "customer_name", "customer_email", "customer_phone",
			"shipping_address", "shipping_city", "payment_method", "status", "total_cents",
			"currency", "risk_score", "cancel_reason", "created_at", "updated_at",
		}).AddRow("ord-1", nil, "Mona", "mona@example.com", "0100", "1 Nile St", "Cairo",
			"cod", "pending", 20000, "EGP", 35, nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM order_items WHERE order_id = $1")).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{"line", "variant_id", "warehouse_id", "sku", "name", "quantity", "unit_price_cents"}).
			AddRow(1, "v-mug", "main", "MUG", "Mug", 2, 10000))

	o, err := NewPostgresStore(db).Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, MethodCOD, o.PaymentMethod)
	require.NotNil(t, o.RiskScore)
	assert.Equal(t, 35, *o.RiskScore)
	require.Len(t, o.Items, 1)
	assert.Equal(t, int64(20000), o.Items[0].SubtotalCents())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewPostgresStore(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
