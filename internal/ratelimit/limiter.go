package ratelimit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"trade-assistant/internal/config"
)

// Limiter keeps one token bucket per exchange weight class. Reserve never
// blocks; callers schedule their own retry using the returned wait.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	frozenTo   time.Time
}

func New(rules []config.RateLimitRule) (*Limiter, error) {
	return newLimiter(rules, time.Now)
}

func newLimiter(rules []config.RateLimitRule, now func() time.Time) (*Limiter, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rate limit rule required")
	}
	l := &Limiter{
		buckets: make(map[string]*bucket, len(rules)),
		now:     now,
	}
	start := now()
	for _, rule := range rules {
		if rule.Class == "" || rule.Capacity < 1 || rule.RefillPerSec <= 0 {
			return nil, fmt.Errorf("invalid rate limit rule %+v", rule)
		}
		if _, ok := l.buckets[rule.Class]; ok {
			return nil, fmt.Errorf("duplicate rate limit class %q", rule.Class)
		}
		l.buckets[rule.Class] = &bucket{
			tokens:     float64(rule.Capacity),
			capacity:   float64(rule.Capacity),
			refillRate: rule.RefillPerSec,
			lastRefill: start,
		}
	}
	return l, nil
}

// Reserve asks for cost tokens from the class bucket. It returns either an
// immediate grant (granted=true, wait=0) or the minimum wait until a grant
// would be possible. Unknown classes are granted so a config gap degrades
// to unmetered rather than deadlocked; this is logged once per call site.
func (l *Limiter) Reserve(class string, cost int) (granted bool, wait time.Duration) {
	if cost < 1 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[class]
	if !ok {
		log.Printf("level=WARN event=rate_limit_unknown_class class=%q", class)
		return true, 0
	}
	now := l.now()
	if b.frozenTo.After(now) {
		return false, b.frozenTo.Sub(now)
	}
	b.refill(now)
	need := float64(cost)
	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}
	deficit := need - b.tokens
	wait = time.Duration(deficit / b.refillRate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait
}

// ForceThrottle drains every bucket and delays refill until the exchange
// cool-down elapses. The exchange's accounting is authoritative, so local
// token state is discarded.
func (l *Limiter) ForceThrottle(cooldown time.Duration) {
	if cooldown <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(cooldown)
	for _, b := range l.buckets {
		b.tokens = 0
		b.lastRefill = until
		if until.After(b.frozenTo) {
			b.frozenTo = until
		}
	}
	log.Printf("level=WARN event=rate_limit_force_throttle cooldown_sec=%d", int64(cooldown/time.Second))
}

// Budget reports the remaining tokens and reset horizon for one class.
func (l *Limiter) Budget(class string) (remaining float64, resetIn time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, found := l.buckets[class]
	if !found {
		return 0, 0, false
	}
	now := l.now()
	if b.frozenTo.After(now) {
		return 0, b.frozenTo.Sub(now), true
	}
	b.refill(now)
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return b.tokens, 0, true
	}
	return b.tokens, time.Duration(missing / b.refillRate * float64(time.Second)), true
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
