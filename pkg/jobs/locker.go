package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another runner holds the lock.
var ErrLocked = errors.New("jobs: lock held by another runner")

// Locker grants one runner at a time a named lease.
type Locker interface {
	// Acquire returns a release func, or ErrLocked.
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker uses SET NX PX so one replica runs each job at a time.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("jobs: release %s: %w", name, err)
		}
		return nil
	}, nil
}

// MemoryLocker serializes runners inside one process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLocker) WithClock(clock func() time.Time) *MemoryLocker {
	l.clock = clock
	return l
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur, ok := l.leases[name]; ok && now.Before(cur.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.leases[name] = lease{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[name]; ok && cur.token == token {
			delete(l.leases, name)
		}
		return nil
	}, nil
}
