package order

import (
	"context"
	"database/sql"
	"sync"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
)

// Tx groups the stores a unit of work touches. Within InTx they share one
// transaction; from Reader they read committed state.
type Tx struct {
	Orders   Store
	Ledger   inventory.Ledger
	Intents  payment.IntentStore
	Events   payment.EventStore
	Reviews  fraud.ReviewStore
	Profiles fraud.ProfileStore
	Outbox   notify.Enqueuer
}

// Repository runs units of work atomically.
type Repository interface {
	// InTx runs fn in one transaction. Any error rolls back every write
	// fn made. fn may be invoked more than once on serialization failures
	// and must not perform external I/O.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Reader() Tx
}

// PostgresRepository binds the Postgres stores to a shared *sql.Tx.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(postgresTx(tx))
	})
}

func (r *PostgresRepository) Reader() Tx {
	return postgresTx(r.db)
}

func postgresTx(q database.Querier) Tx {
	return Tx{
		Orders:   NewPostgresStore(q),
		Ledger:   inventory.NewPostgresLedger(q),
		Intents:  payment.NewPostgresIntentStore(q),
		Events:   payment.NewPostgresEventStore(q),
		Reviews:  fraud.NewPostgresReviewStore(q),
		Profiles: fraud.NewPostgresProfileStore(q),
		Outbox:   notify.NewPostgresStore(q),
	}
}

// MemoryRepository serializes units of work and restores every store from
// a snapshot when one fails.
type MemoryRepository struct {
	mu sync.Mutex

	Orders   *MemoryStore
	Ledger   *inventory.MemoryLedger
	Intents  *payment.MemoryIntentStore
	Events   *payment.MemoryEventStore
	Reviews  *fraud.MemoryReviewStore
	Profiles *fraud.MemoryProfileStore
	Outbox   *notify.MemoryStore
}

func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{
		Orders:   NewMemoryStore(),
		Ledger:   inventory.NewMemoryLedger(),
		Intents:  payment.NewMemoryIntentStore(),
		Events:   payment.NewMemoryEventStore(),
		Reviews:  fraud.NewMemoryReviewStore(),
		Profiles: fraud.NewMemoryProfileStore(),
		Outbox:   notify.NewMemoryStore(),
	}
	r.Orders.HasIntent = func(orderID string) bool {
		_, err := r.Intents.GetByOrder(context.Background(), orderID)
		return err == nil
	}
	return r
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	restores := []func(){
		r.Orders.Snapshot(),
		r.Ledger.Snapshot(),
		r.Intents.Snapshot(),
		r.Events.Snapshot(),
		r.Reviews.Snapshot(),
		r.Profiles.Snapshot(),
		r.Outbox.Snapshot(),
	}
	if err := fn(r.Reader()); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

func (r *MemoryRepository) Reader() Tx {
	return Tx{
		Orders:   r.Orders,
		Ledger:   r.Ledger,
		Intents:  r.Intents,
		Events:   r.Events,
		Reviews:  r.Reviews,
		Profiles: r.Profiles,
		Outbox:   r.Outbox,
	}
}
