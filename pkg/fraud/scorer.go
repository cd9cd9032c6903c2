package fraud

import (
	"fmt"
	"strings"
	"time"
)

// Weights are the per-factor contributions.
type Weights struct {
	NewCustomer      int `yaml:"new_customer"`
	CashOnDelivery   int `yaml:"cash_on_delivery"`
	HighRiskArea     int `yaml:"high_risk_area"`
	SuspiciousEmail  int `yaml:"suspicious_email"`
	PriorReturns     int `yaml:"prior_returns"`
	UnusualHour      int `yaml:"unusual_hour"`
	HighOrderValue   int `yaml:"high_order_value"`
	VeryHighValue    int `yaml:"very_high_order_value"`
	BulkQuantity     int `yaml:"bulk_quantity"`
	VelocitySpike    int `yaml:"velocity_spike"`
	HighRiskCustomer int `yaml:"high_risk_customer"`
}

// Config tunes the scorer.
type Config struct {
	Weights Weights `yaml:"weights"`

	// Scores at or above RecordThreshold are persisted; at or above
	// BlockThreshold they hold the order for review.
	RecordThreshold   int `yaml:"record_threshold"`
	BlockThreshold    int `yaml:"block_threshold"`
	CriticalThreshold int `yaml:"critical_threshold"`

	HighValueCents     int64 `yaml:"high_value_cents"`
	VeryHighValueCents int64 `yaml:"very_high_value_cents"`
	BulkQuantity       int   `yaml:"bulk_quantity"`
	VelocityThreshold  int   `yaml:"velocity_threshold"`
	RiskProfileScore   int   `yaml:"risk_profile_score"`

	// Orders placed in [UnusualHourStart, UnusualHourEnd) local time score UnusualHour.
	UnusualHourStart int            `yaml:"unusual_hour_start"`
	UnusualHourEnd   int            `yaml:"unusual_hour_end"`
	Location         *time.Location `yaml:"-"`

	SuspiciousEmailDomains []string `yaml:"suspicious_email_domains"`
	HighRiskAreas          []string `yaml:"high_risk_areas"`
}

// DefaultConfig returns the production weights and thresholds.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			NewCustomer:      15,
			CashOnDelivery:   20,
			HighRiskArea:     25,
			SuspiciousEmail:  10,
			PriorReturns:     20,
			UnusualHour:      10,
			HighOrderValue:   15,
			VeryHighValue:    30,
			BulkQuantity:     10,
			VelocitySpike:    25,
			HighRiskCustomer: 50,
		},
		RecordThreshold:    25,
		BlockThreshold:     50,
		CriticalThreshold:  70,
		HighValueCents:     500000,
		VeryHighValueCents: 1000000,
		BulkQuantity:       5,
		VelocityThreshold:  3,
		RiskProfileScore:   70,
		UnusualHourStart:   0,
		UnusualHourEnd:     6,
		Location:           time.UTC,
		SuspiciousEmailDomains: []string{
			"tempmail.com", "throwaway.email", "10minutemail.com",
			"guerrillamail.com", "mailinator.com", "yopmail.com",
			"temp-mail.org", "getnada.com",
		},
	}
}

// Scorer is a pure function of Features. It is safe for concurrent use.
type Scorer struct {
	cfg          Config
	emailDomains map[string]struct{}
	areas        map[string]struct{}
}

// NewScorer builds a scorer from cfg.
func NewScorer(cfg Config) *Scorer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scorer{
		cfg:          cfg,
		emailDomains: lowerSet(cfg.SuspiciousEmailDomains),
		areas:        lowerSet(cfg.HighRiskAreas),
	}
}

func lowerSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return out
}

// Score evaluates f.
func (s *Scorer) Score(f Features) Assessment {
	w := s.cfg.Weights
	var factors []Factor
	add := func(code string, weight int, detail string) {
		if weight > 0 {
			factors = append(factors, Factor{Code: code, Weight: weight, Detail: detail})
		}
	}

	if f.History.PriorOrders == 0 {
		add(FactorNewCustomer, w.NewCustomer, "no previous orders")
	}
	if f.CashOnDelivery {
		add(FactorCashOnDelivery, w.CashOnDelivery, "cash on delivery")
	}
	if city := strings.ToLower(strings.TrimSpace(f.ShippingCity)); city != "" {
		if _, ok := s.areas[city]; ok {
			add(FactorHighRiskArea, w.HighRiskArea, fmt.Sprintf("shipping to flagged area %s", f.ShippingCity))
		}
	}
	if domain := emailDomain(f.CustomerEmail); domain != "" {
		if _, ok := s.emailDomains[domain]; ok {
			add(FactorSuspiciousEmail, w.SuspiciousEmail, fmt.Sprintf("email domain %s is flagged as temporary", domain))
		}
	}
	if f.History.PriorReturns > 0 {
		add(FactorPriorReturns, w.PriorReturns, fmt.Sprintf("%d previous returns", f.History.PriorReturns))
	}
	if !f.PlacedAt.IsZero() {
		hour := f.PlacedAt.In(s.cfg.Location).Hour()
		if hour >= s.cfg.UnusualHourStart && hour < s.cfg.UnusualHourEnd {
			add(FactorUnusualHour, w.UnusualHour, fmt.Sprintf("placed at %02d:00", hour))
		}
	}

	switch {
	case s.cfg.VeryHighValueCents > 0 && f.TotalCents >= s.cfg.VeryHighValueCents:
		add(FactorVeryHighValue, w.VeryHighValue, fmt.Sprintf("order value %d exceeds %d", f.TotalCents, s.cfg.VeryHighValueCents))
	case s.cfg.HighValueCents > 0 && f.TotalCents >= s.cfg.HighValueCents:
		add(FactorHighOrderValue, w.HighOrderValue, fmt.Sprintf("order value %d exceeds %d", f.TotalCents, s.cfg.HighValueCents))
	}
	if s.cfg.BulkQuantity > 0 {
		for _, l := range f.Lines {
			if l.Quantity >= s.cfg.BulkQuantity {
				add(FactorBulkQuantity, w.BulkQuantity, fmt.Sprintf("%d units of %s", l.Quantity, l.Name))
				break
			}
		}
	}
	if s.cfg.VelocityThreshold > 0 && f.History.RecentOrders >= s.cfg.VelocityThreshold {
		add(FactorVelocitySpike, w.VelocitySpike, fmt.Sprintf("%d orders from the same email in 24 hours", f.History.RecentOrders))
	}
	if s.cfg.RiskProfileScore > 0 && f.History.RiskScore >= s.cfg.RiskProfileScore {
		add(FactorHighRiskCustomer, w.HighRiskCustomer, fmt.Sprintf("customer risk score %d", f.History.RiskScore))
	}

	score := 0
	for _, fc := range factors {
		score += fc.Weight
	}
	return Assessment{
		Score:    score,
		Level:    s.level(score),
		Factors:  factors,
		Blocking: score >= s.cfg.BlockThreshold,
		Recorded: score >= s.cfg.RecordThreshold,
	}
}

func (s *Scorer) level(score int) Level {
	switch {
	case score >= s.cfg.CriticalThreshold:
		return LevelCritical
	case score >= s.cfg.BlockThreshold:
		return LevelHigh
	case score >= s.cfg.RecordThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ReviewFor converts an assessment into the review row to persist, or nil
// when the score is below the record threshold. Informational reviews are
// stored already cleared.
func ReviewFor(orderID string, a Assessment, now time.Time) *Review {
	if !a.Recorded {
		return nil
	}
	r := &Review{
		OrderID:   orderID,
		Score:     a.Score,
		Level:     a.Level,
		Factors:   a.Factors,
		Status:    ReviewPending,
		Blocking:  a.Blocking,
		CreatedAt: now,
	}
	if !a.Blocking {
		r.Status = ReviewApproved
		r.ReviewedBy = AutoReviewer
		r.Note = "below blocking threshold"
		at := now
		r.ReviewedAt = &at
	}
	return r
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
