package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestPolicy_DoRetriesUntilSuccess(t *testing.T) {
	p := Exponential(5, time.Millisecond, 4*time.Millisecond)

	var (
		calls int
		waits []time.Duration
	)

	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}

		return nil
	}, func(_ error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestPolicy_DoGivesUp(t *testing.T) {
	p := Exponential(3, time.Millisecond, time.Millisecond)

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++

		return errFlaky
	}, nil)

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestPolicy_DoStopsOnPermanentError(t *testing.T) {
	errBad := errors.New("bad request")

	p := Exponential(10, time.Millisecond, time.Millisecond).WithRetryable(func(err error) bool {
		return !errors.Is(err, errBad)
	})

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++

		return errBad
	}, nil)

	require.ErrorIs(t, err, errBad)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Exponential(10, time.Hour, time.Hour)

	err := p.Do(ctx, func() error { return errFlaky }, nil)
	require.Error(t, err)
}

func TestPolicy_ShouldRetryAndDelay(t *testing.T) {
	p := Exponential(2, time.Second, 3*time.Second)

	assert.True(t, p.ShouldRetry(1, errFlaky))
	assert.True(t, p.ShouldRetry(2, errFlaky))
	assert.False(t, p.ShouldRetry(3, errFlaky))
	assert.False(t, p.ShouldRetry(1, nil))
	assert.False(t, None().ShouldRetry(1, errFlaky))

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(3))
}
