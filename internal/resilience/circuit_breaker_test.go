// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute)
	fail := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(func() error { return fail }))
	}
	assert.Equal(t, string(StateOpen), cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, time.Minute, WithClock(clk))

	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))
	assert.Equal(t, string(StateOpen), cb.State())

	clk.now = clk.now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, time.Minute, WithClock(clk))

	require.Error(t, cb.Execute(func() error { return errors.New("boom") }))
	clk.now = clk.now.Add(2 * time.Minute)
	require.Error(t, cb.Execute(func() error { return errors.New("still down") }))
	assert.Equal(t, string(StateOpen), cb.State())
}
