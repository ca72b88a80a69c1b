package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunHonorsOffsets(t *testing.T) {
	p := Policy{Offsets: []time.Duration{0, 30 * time.Millisecond, 90 * time.Millisecond}}

	start := time.Now()
	var at []time.Duration
	err := p.Run(context.Background(), func(attempt int) error {
		at = append(at, time.Since(start))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, at, 3)

	assert.Less(t, at[0], 20*time.Millisecond)
	assert.GreaterOrEqual(t, at[1], 30*time.Millisecond)
	assert.GreaterOrEqual(t, at[2], 90*time.Millisecond)
}

func TestRunContinuesPastErrors(t *testing.T) {
	p := Policy{Offsets: []time.Duration{0, time.Millisecond, 2 * time.Millisecond}}

	calls := 0
	boom := errors.New("boom")
	err := p.Run(context.Background(), func(attempt int) error {
		calls++
		if attempt == 0 {
			return boom
		}
		return nil
	})
	assert.Equal(t, 3, calls)
	assert.NoError(t, err, "a later success clears the earlier failure")
}

func TestRunReturnsLastError(t *testing.T) {
	p := Policy{Offsets: []time.Duration{0, time.Millisecond}}
	boom := errors.New("boom")
	err := p.Run(context.Background(), func(int) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := Policy{Offsets: []time.Duration{0, time.Hour}}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func(int) error {
			calls++
			return nil
		})
	}()

	require.Eventually(t, func() bool { return calls == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
