package authority

import (
	"context"
	"sync"
	"time"

	"ringlink/pkg/utils"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter bounds how many sessions one device may start in the trailing
// window. Allow counts the attempt.
type RateLimiter interface {
	Allow(ctx context.Context, deviceID string) (bool, error)
}

// RedisRateLimiter counts starts in a fixed Redis window shared across API
// instances.
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, deviceID string) (bool, error) {
	return utils.AcquireRateSlot(ctx, r.rdb, "ringlink:starts:"+deviceID, r.limit, r.window)
}

// MemoryRateLimiter applies a token bucket per device and periodically evicts
// idle entries. Single-process only; used in tests and when Redis is not
// configured.
type MemoryRateLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*limiterEntry
	hits    uint64
	idleTTL time.Duration
	clock   func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	if limit <= 0 {
		limit = 50
	}
	if window <= 0 {
		window = time.Hour
	}
	return &MemoryRateLimiter{
		limit:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		byKey:   map[string]*limiterEntry{},
		idleTTL: 2 * window,
		clock:   time.Now,
	}
}

// SetClock overrides the limiter clock for tests.
func (l *MemoryRateLimiter) SetClock(clock func() time.Time) { l.clock = clock }

func (l *MemoryRateLimiter) Allow(ctx context.Context, deviceID string) (bool, error) {
	if deviceID == "" {
		return true, nil
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[deviceID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
		l.byKey[deviceID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	return allowed, nil
}
