package signal

import (
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"golang.org/x/time/rate"
)

// idleSweepAt is the bucket count above which idle identities are forgotten.
const idleSweepAt = 1024

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter gives every identity a token bucket holding limit tokens that
// refill evenly over interval. A nil limiter or a non-positive limit allows everything.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[domain.UserID]*bucket
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[domain.UserID]*bucket),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[uid]
	if !ok {
		if len(rl.buckets) >= idleSweepAt {
			rl.sweepLocked(now)
		}
		b = &bucket{lim: rate.NewLimiter(rate.Every(rl.interval/time.Duration(rl.limit)), rl.limit)}
		rl.buckets[uid] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// sweepLocked drops identities idle long enough for their bucket to be full again.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for uid, b := range rl.buckets {
		if now.Sub(b.seen) > rl.interval {
			delete(rl.buckets, uid)
		}
	}
}
