// Package ratelimit limits requests per key, in process or across
// replicas through Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token bucket: PerMinute tokens refill per minute up to Burst.
type Policy struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

func (p Policy) perSecond() float64 {
	if p.PerMinute <= 0 {
		return 1
	}
	return float64(p.PerMinute) / 60
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one x/time/rate limiter per key.
type MemoryLimiter struct {
	policy   Policy
	mu       sync.Mutex
	visitors map[string]*visitor
	clock    func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(p Policy) *MemoryLimiter {
	return &MemoryLimiter{policy: p, visitors: make(map[string]*visitor), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.clock()
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.policy.perSecond()), l.policy.burst())}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1), nil
}

// Prune drops keys idle for longer than idle and returns how many it dropped.
func (l *MemoryLimiter) Prune(idle time.Duration) int {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > idle {
			delete(l.visitors, k)
			n++
		}
	}
	return n
}

// Janitor prunes idle keys every minute until ctx is done.
func (l *MemoryLimiter) Janitor(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Prune(3 * time.Minute)
		}
	}
}
