package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter checks whether a request should be allowed based on
// the identity's tenant and service tier.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds rate limit settings for a service tier.
type TierConfig struct {
	// RequestsPerMinute is the sustained rate. Zero or less disables limiting.
	RequestsPerMinute int

	// Burst is the bucket capacity. Defaults to RequestsPerMinute.
	Burst int
}

// bucket is a single token bucket for one tenant.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// InProcessLimiter is a token bucket limiter keyed by tenant and tier.
// Buckets not touched for ten minutes are evicted on the next Allow.
type InProcessLimiter struct {
	tiers       map[string]TierConfig
	defaultTier TierConfig
	now         func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

const staleBucket = 10 * time.Minute

// NewInProcessLimiter creates a rate limiter with per-tier configuration.
// Tiers without an entry get defaultRPM.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:       tiers,
		defaultTier: TierConfig{RequestsPerMinute: defaultRPM},
		now:         time.Now,
		buckets:     make(map[string]*bucket),
	}
}

// Allow consumes one token from the caller's bucket.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := tierLabel(identity.ServiceTier)
	tc, ok := l.tiers[tier]
	if !ok {
		tc = l.defaultTier
	}
	if tc.RequestsPerMinute <= 0 {
		return nil
	}
	burst := float64(tc.Burst)
	if burst <= 0 {
		burst = float64(tc.RequestsPerMinute)
	}
	rate := float64(tc.RequestsPerMinute) / 60

	key := identity.TenantID()
	if key == "" {
		key = identity.Subject
	}
	key += ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: burst - 1, lastAccess: now}
		return nil
	}

	b.tokens += now.Sub(b.lastAccess).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return ErrTooManyRequests
	}
	b.tokens--
	return nil
}

func (l *InProcessLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-staleBucket)
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
