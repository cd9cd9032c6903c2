package fraud

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReviewStore_ResolveOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryReviewStore()
	now := time.Now()
	require.NoError(t, s.Create(ctx, &Review{OrderID: "o-1", Score: 60, Status: ReviewPending, Blocking: true, CreatedAt: now}))
	require.NoError(t, s.Create(ctx, &Review{OrderID: "o-2", Score: 80, Status: ReviewPending, Blocking: true, CreatedAt: now}))

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "o-2", pending[0].OrderID)

	require.NoError(t, s.Resolve(ctx, "o-1", ReviewApproved, "op-1", "", now))
	assert.ErrorIs(t, s.Resolve(ctx, "o-1", ReviewRejected, "op-2", "", now), ErrNotPending)
	assert.ErrorIs(t, s.Resolve(ctx, "missing", ReviewRejected, "op-2", "", now), ErrNotFound)
}

func TestMemoryProfileStore_ConfirmedFraudCapped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProfileStore()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordConfirmedFraud(ctx, "Bad@Example.com", ConfirmedFraudPenalty, time.Now()))
	}
	p, err := s.Profile(ctx, "bad@example.com")
	require.NoError(t, err)
	assert.Equal(t, 100, p.RiskScore)
}

func TestPostgresReviewStore_ResolveNotPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE fraud_reviews SET review_status = $2")).
		WithArgs("o-1", "approved", "op-1", sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + reviewColumns + " FROM fraud_reviews WHERE order_id = $1")).
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "risk_score", "risk_level", "factors", "review_status", "blocking", "reviewed_by", "review_note", "reviewed_at", "created_at"}).
			AddRow("o-1", 60, "HIGH", []byte(`[{"code":"CASH_ON_DELIVERY","weight":20,"detail":"cash on delivery"}]`), "rejected", true, "op-0", nil, at, at))

	err = NewPostgresReviewStore(db).Resolve(context.Background(), "o-1", ReviewApproved, "op-1", "", at)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReviewStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM fraud_reviews WHERE order_id = $1")).
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "risk_score", "risk_level", "factors", "review_status", "blocking", "reviewed_by", "review_note", "reviewed_at", "created_at"}).
			AddRow("o-1", 55, "HIGH", []byte(`[{"code":"HIGH_RISK_AREA","weight":25,"detail":"x"}]`), "pending", true, nil, nil, nil, at))

	r, err := NewPostgresReviewStore(db).Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.True(t, r.Holds())
	require.Len(t, r.Factors, 1)
	assert.Equal(t, FactorHighRiskArea, r.Factors[0].Code)
	assert.Nil(t, r.ReviewedAt)
}
