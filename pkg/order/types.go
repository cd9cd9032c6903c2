// Package order owns the order lifecycle: checkout, guarded status
// transitions, payment confirmation and the compensating release of
// reserved stock on cancellation.
//
// The lifecycle is a fixed graph:
//
//	pending -> paid -> shipped -> delivered
//	pending -> cancelled
//	paid    -> cancelled
//
// delivered and cancelled are terminal. Every edge is applied with a
// compare-and-set on the current status, so two concurrent attempts on the
// same order cannot both succeed, and stock is released only by the
// transition into cancelled.
package order

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusShipped, StatusCancelled},
	StatusShipped: {StatusDelivered},
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// PaymentMethod identifies how the customer pays.
type PaymentMethod string

const (
	MethodCOD    PaymentMethod = "cod"
	MethodCard   PaymentMethod = "card"
	MethodWallet PaymentMethod = "wallet"
)

// Cash reports whether payment is collected on delivery.
func (m PaymentMethod) Cash() bool { return m == MethodCOD }

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCOD, MethodCard, MethodWallet:
		return true
	}
	return false
}

// Role of the caller performing an action.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
	RoleCustomer Role = "customer"
)

// Actor is the verified identity behind a mutation. It is resolved once at
// the boundary and passed down explicitly.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor used by webhooks and scheduled jobs.
var System = Actor{ID: "system", Role: RoleSystem}

// Customer is the contact part of an order.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Shipping is the delivery destination.
type Shipping struct {
	Address string `json:"address"`
	City    string `json:"city"`
}

// Item is an immutable snapshot of one order line taken at checkout.
type Item struct {
	Line           int    `json:"line"`
	VariantID      string `json:"variant_id"`
	WarehouseID    string `json:"warehouse_id"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// SubtotalCents is quantity times unit price.
func (i Item) SubtotalCents() int64 { return int64(i.Quantity) * i.UnitPriceCents }

// Order is a placed order.
type Order struct {
	ID             string        `json:"id"`
	IdempotencyKey string        `json:"-"`
	Customer       Customer      `json:"customer"`
	Shipping       Shipping      `json:"shipping"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	Status         Status        `json:"status"`
	TotalCents     int64         `json:"total_cents"`
	Currency       string        `json:"currency"`
	RiskScore      *int          `json:"risk_score,omitempty"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	Items          []Item        `json:"items"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// OwnedBy reports whether a customer actor placed the order.
func (o *Order) OwnedBy(a Actor) bool {
	return a.Role == RoleCustomer && a.ID != "" && strings.EqualFold(a.ID, o.Customer.Email)
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// CustomerStats summarizes a customer's earlier orders for risk scoring.
type CustomerStats struct {
	PriorOrders  int
	RecentOrders int
}
