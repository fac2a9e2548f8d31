package ratelimit

import (
	"errors"
	"testing"
	"time"
)

// newTestLimiter pins the limiter clock to a mutable instant so tests can
// advance time without sleeping.
func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUnlimitedByDefault(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow(42); err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}
}

func TestAllowConsumesBurst(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow(1); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if err := l.Allow(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow after burst = %v, want ErrRateLimited", err)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if err := l.Allow(1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := l.Allow(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow on empty bucket = %v, want ErrRateLimited", err)
	}

	// 60/min refills one token per second.
	*now = now.Add(time.Second)
	if err := l.Allow(1); err != nil {
		t.Fatalf("Allow after refill: unexpected error: %v", err)
	}
	if err := l.Allow(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Allow after single refill = %v, want ErrRateLimited", err)
	}
}

func TestAllowCapsAtBurst(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	if err := l.Allow(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A long idle period must not accumulate more than the burst.
	*now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if err := l.Allow(1); err != nil {
			t.Fatalf("call %d after idle: unexpected error: %v", i, err)
		}
	}
	if err := l.Allow(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow past burst after idle = %v, want ErrRateLimited", err)
	}
}

func TestAllowIsolatesUsers(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1, BurstSize: 1})

	if err := l.Allow(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Allow(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("user 1 second call = %v, want ErrRateLimited", err)
	}
	if err := l.Allow(2); err != nil {
		t.Fatalf("user 2 must have a fresh bucket: %v", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		if err := l.Allow(1); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if err := l.Allow(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow past defaulted burst = %v, want ErrRateLimited", err)
	}
}

func TestAllowProvisionBudget(t *testing.T) {
	l, now := newTestLimiter(Config{ProvisionPerHour: 2})

	for i := 0; i < 2; i++ {
		if err := l.AllowProvision(1); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if err := l.AllowProvision(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("AllowProvision past budget = %v, want ErrRateLimited", err)
	}

	// 2/hour refills one token per half hour.
	*now = now.Add(30 * time.Minute)
	if err := l.AllowProvision(1); err != nil {
		t.Fatalf("AllowProvision after refill: unexpected error: %v", err)
	}
}

func TestAllowProvisionUnlimitedWhenUnset(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 5})
	for i := 0; i < 50; i++ {
		if err := l.AllowProvision(9); err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}
}

func TestProvisionAndCommandBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2, ProvisionPerHour: 1})

	if err := l.AllowProvision(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AllowProvision(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("provision bucket should be empty, got %v", err)
	}

	// Command tokens are untouched by provisioning draws.
	for i := 0; i < 2; i++ {
		if err := l.Allow(1); err != nil {
			t.Fatalf("command call %d: unexpected error: %v", i, err)
		}
	}
	if err := l.Allow(1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("command bucket past burst = %v, want ErrRateLimited", err)
	}
}
