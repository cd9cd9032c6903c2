// Package fraud scores orders at creation time and holds the manual review
// queue for orders whose score crosses the blocking threshold.
package fraud

import (
	"errors"
	"time"
)

// Level buckets a score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// ReviewStatus is the operator decision on a review.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	// ReviewDismissed closes a review whose order was cancelled before an
	// operator decided it. It carries no fraud verdict.
	ReviewDismissed ReviewStatus = "dismissed"
)

// AutoReviewer is recorded as the reviewer of informational reviews.
const AutoReviewer = "system:auto"

// Factor codes.
const (
	FactorNewCustomer      = "NEW_CUSTOMER"
	FactorCashOnDelivery   = "CASH_ON_DELIVERY"
	FactorHighRiskArea     = "HIGH_RISK_AREA"
	FactorSuspiciousEmail  = "SUSPICIOUS_EMAIL"
	FactorPriorReturns     = "PRIOR_RETURNS"
	FactorUnusualHour      = "UNUSUAL_HOUR"
	FactorHighOrderValue   = "HIGH_ORDER_VALUE"
	FactorVeryHighValue    = "VERY_HIGH_ORDER_VALUE"
	FactorBulkQuantity     = "MULTIPLE_SAME_ITEMS"
	FactorVelocitySpike    = "VELOCITY_SPIKE"
	FactorHighRiskCustomer = "HIGH_RISK_CUSTOMER"
)

// Factor is one contribution to a score.
type Factor struct {
	Code   string `json:"code"`
	Weight int    `json:"weight"`
	Detail string `json:"detail"`
}

// Line is the part of an order line the scorer looks at.
type Line struct {
	Name     string
	Quantity int
}

// Features are the observable inputs at order-creation time.
type Features struct {
	CustomerEmail  string
	ShippingCity   string
	CashOnDelivery bool
	TotalCents     int64
	Lines          []Line
	PlacedAt       time.Time
	History        History
}

// History is what is known about the customer before this order.
type History struct {
	PriorOrders  int
	RecentOrders int
	PriorReturns int
	RiskScore    int
}

// Assessment is the scorer output.
type Assessment struct {
	Score    int      `json:"score"`
	Level    Level    `json:"level"`
	Factors  []Factor `json:"factors"`
	Blocking bool     `json:"blocking"`
	Recorded bool     `json:"recorded"`
}

// Review is a persisted assessment for one order.
type Review struct {
	OrderID    string       `json:"order_id"`
	Score      int          `json:"score"`
	Level      Level        `json:"level"`
	Factors    []Factor     `json:"factors"`
	Status     ReviewStatus `json:"review_status"`
	Blocking   bool         `json:"blocking"`
	ReviewedBy string       `json:"reviewed_by,omitempty"`
	Note       string       `json:"review_note,omitempty"`
	ReviewedAt *time.Time   `json:"reviewed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Holds reports whether the review blocks order progression.
func (r *Review) Holds() bool {
	return r != nil && r.Blocking && r.Status == ReviewPending
}

var (
	ErrNotFound = errors.New("fraud: review not found")
	// ErrNotPending is returned when resolving a review that was already decided.
	ErrNotPending = errors.New("fraud: review is not pending")
)
