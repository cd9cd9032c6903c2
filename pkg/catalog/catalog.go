// Package catalog resolves variants to their current price so checkout
// never trusts a client-supplied amount.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/database"
)

var ErrNotFound = errors.New("catalog: variant not found")

// Variant is a sellable product variant.
type Variant struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	SKU        string `json:"sku"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	Active     bool   `json:"active"`
}

// Catalog looks up variants.
type Catalog interface {
	Variant(ctx context.Context, id string) (Variant, error)
}

// PostgresCatalog reads the variants table.
type PostgresCatalog struct {
	q database.Querier
}

func NewPostgresCatalog(q database.Querier) *PostgresCatalog {
	return &PostgresCatalog{q: q}
}

func (c *PostgresCatalog) Variant(ctx context.Context, id string) (Variant, error) {
	var v Variant
	err := c.q.QueryRowContext(ctx,
		"SELECT id, product_id, name, sku, price_cents, currency, active FROM variants WHERE id = $1", id).
		Scan(&v.ID, &v.ProductID, &v.Name, &v.SKU, &v.PriceCents, &v.Currency, &v.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Variant{}, ErrNotFound
	}
	if err != nil {
		return Variant{}, fmt.Errorf("catalog: variant %s: %w", id, err)
	}
	return v, nil
}

// MemoryCatalog is a fixed in-memory catalog.
type MemoryCatalog struct {
	mu       sync.RWMutex
	variants map[string]Variant
}

func NewMemoryCatalog(vs ...Variant) *MemoryCatalog {
	c := &MemoryCatalog{variants: make(map[string]Variant)}
	for _, v := range vs {
		c.variants[v.ID] = v
	}
	return c
}

// Put adds or replaces a variant.
func (c *MemoryCatalog) Put(v Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants[v.ID] = v
}

func (c *MemoryCatalog) Variant(ctx context.Context, id string) (Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variants[id]
	if !ok {
		return Variant{}, ErrNotFound
	}
	return v, nil
}
