package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, InitialDelay: time.Millisecond}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fast, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fast, func() error {
		attempts++
		return errors.New("always fails")
	})
	assert.EqualError(t, err, "always fails")
	assert.Equal(t, 3, attempts)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), Policy{}, func() error {
		attempts++
		return errors.New("fail")
	})
	assert.Equal(t, 1, attempts)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Policy{Attempts: 10, InitialDelay: 20 * time.Millisecond}, func() error {
		attempts++
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 10)
}

func TestValue_Success(t *testing.T) {
	attempts := 0
	result, err := Value(context.Background(), fast, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestValue_ExhaustsAttemptsKeepsLastResult(t *testing.T) {
	result, err := Value(context.Background(), Policy{Attempts: 2, InitialDelay: time.Millisecond}, func() (int, error) {
		return -1, errors.New("always fails")
	})
	assert.EqualError(t, err, "always fails")
	assert.Equal(t, -1, result)
}

func TestPolicyDelayIsCapped(t *testing.T) {
	policy := Policy{InitialDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, policy.delay(0))
	assert.Equal(t, 2*time.Second, policy.delay(1))
	assert.Equal(t, 3*time.Second, policy.delay(2))
	assert.Equal(t, 100*time.Millisecond, Policy{}.delay(0))
}
