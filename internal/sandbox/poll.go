package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned by RetryPolicy.Do when every attempt ran
// without the condition holding.
var ErrExhausted = errors.New("attempts exhausted")

// RetryPolicy is a fixed-interval polling budget. The zero value is not
// usable; construct with the interval and attempt count the caller wants.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Do runs attempt until it reports done, returns an error, or the
// budget is spent. An error from attempt stops the loop immediately,
// so attempts can bail out early on conditions that will never heal.
// No sleep follows the final attempt.
func (p RetryPolicy) Do(ctx context.Context, attempt func(ctx context.Context) (done bool, err error)) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for i := 0; i < p.MaxAttempts; i++ {
		done, err := attempt(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == p.MaxAttempts-1 {
			break
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
	return ErrExhausted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
