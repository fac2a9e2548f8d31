// Package ratelimit implements a per-user token bucket rate limiter.
// Thread-safe. No background goroutines — tokens are refilled lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user has exhausted a token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Command tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum command tokens in a bucket. 0 = defaults to RequestsPerMinute.
	ProvisionPerHour  int // Create/destroy tokens added per hour. 0 = unlimited (AllowProvision always succeeds).
}

// Limiter is a per-user rate limiter. Each user gets an independent pair of
// buckets — ordinary commands and container provisioning — so one user cannot
// exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[int64]*userBuckets

	cmdRate   float64 // command tokens per second
	cmdBurst  float64
	provRate  float64 // provisioning tokens per second
	provBurst float64

	now func() time.Time // test seam
}

type userBuckets struct {
	commands  bucket
	provision bucket
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited); likewise
// ProvisionPerHour 0 disables the provisioning budget.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	provBurst := cfg.ProvisionPerHour
	if provBurst <= 0 {
		provBurst = 1
	}
	return &Limiter{
		users:     make(map[int64]*userBuckets),
		cmdRate:   float64(cfg.RequestsPerMinute) / 60.0,
		cmdBurst:  float64(burst),
		provRate:  float64(cfg.ProvisionPerHour) / 3600.0,
		provBurst: float64(provBurst),
		now:       time.Now,
	}
}

// Allow checks whether the user has command tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(userID int64) error {
	// Unlimited mode.
	if l.cmdRate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u := l.user(now, userID)
	return u.commands.take(now, l.cmdRate, l.cmdBurst)
}

// AllowProvision checks the stricter budget for container create/destroy.
// Provisioning commands are gated on both Allow and AllowProvision; the
// provisioning bucket refills at its own hourly rate.
func (l *Limiter) AllowProvision(userID int64) error {
	if l.provRate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u := l.user(now, userID)
	return u.provision.take(now, l.provRate, l.provBurst)
}

// user returns the bucket pair for userID, starting full on first request.
// Callers hold l.mu.
func (l *Limiter) user(now time.Time, userID int64) *userBuckets {
	u, ok := l.users[userID]
	if !ok {
		u = &userBuckets{
			commands:  bucket{tokens: l.cmdBurst, lastFill: now},
			provision: bucket{tokens: l.provBurst, lastFill: now},
		}
		l.users[userID] = u
	}
	return u
}

// take refills the bucket from elapsed time, caps it at burst and consumes
// one token.
func (b *bucket) take(now time.Time, rate, burst float64) error {
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
