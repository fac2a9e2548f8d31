package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func countingSleep(calls *int) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*calls++
		return nil
	}
}

func TestRetryPolicySucceedsWithoutSleepingAfterLastAttempt(t *testing.T) {
	var sleeps int
	p := RetryPolicy{Interval: time.Second, MaxAttempts: 5, sleep: countingSleep(&sleeps)}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) (bool, error) {
		attempts++
		return attempts == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if sleeps != 2 {
		t.Errorf("sleeps = %d, want 2", sleeps)
	}
}

func TestRetryPolicyExhaustion(t *testing.T) {
	var sleeps int
	p := RetryPolicy{Interval: time.Second, MaxAttempts: 4, sleep: countingSleep(&sleeps)}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) (bool, error) {
		attempts++
		return false, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	if sleeps != 3 {
		t.Errorf("sleeps = %d, want 3", sleeps)
	}
}

func TestRetryPolicyStopsOnAttemptError(t *testing.T) {
	boom := errors.New("boom")
	p := RetryPolicy{Interval: time.Second, MaxAttempts: 10, sleep: countingSleep(new(int))}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) (bool, error) {
		attempts++
		if attempts == 2 {
			return false, boom
		}
		return false, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryPolicyHonorsContextDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{Interval: time.Minute, MaxAttempts: 3}

	attempts := 0
	err := p.Do(ctx, func(ctx context.Context) (bool, error) {
		attempts++
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryPolicySingleAttempt(t *testing.T) {
	var sleeps int
	p := RetryPolicy{Interval: time.Second, MaxAttempts: 1, sleep: countingSleep(&sleeps)}

	err := p.Do(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if sleeps != 0 {
		t.Errorf("sleeps = %d, want 0", sleeps)
	}
}
