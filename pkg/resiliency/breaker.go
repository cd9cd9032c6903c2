package resiliency

import (
	"sync"
	"time"
)

// Mode is where an upstream stands with its Breaker.
type Mode string

const (
	// ModePassing forwards every call.
	ModePassing Mode = "passing"
	// ModeTripped rejects calls until the cooldown has elapsed.
	ModeTripped Mode = "tripped"
	// ModeTrial has one call in flight whose outcome decides between
	// passing and tripped. Other calls are rejected meanwhile.
	ModeTrial Mode = "trial"
)

// Breaker stops calling an upstream after a run of consecutive failed
// calls and retries it with a single call once cooldown has passed.
type Breaker struct {
	name     string
	limit    int
	cooldown time.Duration
	clock    func() time.Time

	mu        sync.Mutex
	mode      Mode
	failures  int
	trippedAt time.Time
}

// NewBreaker trips after limit consecutive failures.
func NewBreaker(name string, limit int, cooldown time.Duration) *Breaker {
	if limit < 1 {
		limit = 1
	}
	return &Breaker{name: name, limit: limit, cooldown: cooldown, clock: time.Now, mode: ModePassing}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Allow reports whether a call may go out. Every allowed call must be
// followed by Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case ModeTripped:
		if b.clock().Sub(b.trippedAt) < b.cooldown {
			return false
		}
		b.mode = ModeTrial
		return true
	case ModeTrial:
		return false
	}
	return true
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = ModePassing
	b.failures = 0
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.mode == ModeTrial || b.failures >= b.limit {
		b.mode = ModeTripped
		b.trippedAt = b.clock()
	}
}
