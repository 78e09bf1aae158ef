// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("registrar", 3, 30*time.Second, WithClock(clock))

	boom := errors.New("boom")
	fail := func() error { return boom }

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(fail), boom)
	}
	assert.Equal(t, string(StateClosed), cb.State())

	assert.ErrorIs(t, cb.Execute(fail), boom)
	assert.Equal(t, string(StateOpen), cb.State())

	// While open, calls are rejected without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("registrar", 1, 10*time.Second, WithClock(clock))

	boom := errors.New("boom")
	assert.Error(t, cb.Execute(func() error { return boom }))
	assert.Equal(t, string(StateOpen), cb.State())

	// After the reset timeout a probe is allowed; failure re-opens.
	clock.now = clock.now.Add(11 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, string(StateOpen), cb.State())

	// A successful probe closes the breaker.
	clock.now = clock.now.Add(11 * time.Second)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("registrar", 2, 30*time.Second)

	boom := errors.New("boom")
	assert.Error(t, cb.Execute(func() error { return boom }))
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Error(t, cb.Execute(func() error { return boom }))
	assert.Equal(t, string(StateClosed), cb.State())
}
