package retry

import (
	"context"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. Delays double after every failure (100ms, 200ms,
// 400ms, ...) and are capped by MaxDelay when it is set.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Default is the policy used for cloud provider and remote shell calls.
var Default = Policy{Attempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}

func (p Policy) delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	d := initial * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds or the policy's attempts are exhausted.
// Returns ctx.Err() if the context is cancelled while waiting between attempts,
// otherwise the last error returned by fn.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	_, err := Value(ctx, policy, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is like Do but for functions that return a value.
func Value[T any](ctx context.Context, policy Policy, fn func() (T, error)) (T, error) {
	attempts := max(policy.Attempts, 1)

	var result T
	var err error
	for i := 0; i < attempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < attempts-1 {
			timer := time.NewTimer(policy.delay(i))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
