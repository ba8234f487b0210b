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

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("slskd", 3, 60*time.Second, WithClock(clock))

	failing := func() error { return errors.New("connection refused") }

	assert.Error(t, cb.Execute(failing))
	assert.Error(t, cb.Execute(failing))
	assert.Equal(t, string(StateClosed), cb.State(), "below threshold stays closed")

	assert.Error(t, cb.Execute(failing))
	assert.Equal(t, string(StateOpen), cb.State())

	// Open breaker rejects without calling the function.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("slskd", 1, 10*time.Second, WithClock(clock))

	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))
	assert.Equal(t, string(StateOpen), cb.State())

	// Before the reset timeout the breaker stays shut.
	clock.now = clock.now.Add(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	// After the timeout one probe goes through; success closes.
	clock.now = clock.now.Add(6 * time.Second)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("slskd", 1, 10*time.Second, WithClock(clock))

	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))
	clock.now = clock.now.Add(11 * time.Second)

	// The first caller holds the only trial slot; a second caller is
	// rejected while the trial is still in flight.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, string(StateClosed), cb.State())

	// With the trial settled, calls flow again.
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("spotify", 1, 10*time.Second, WithClock(clock))

	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))
	clock.now = clock.now.Add(11 * time.Second)

	assert.Error(t, cb.Execute(func() error { return errors.New("still down") }))
	assert.Equal(t, string(StateOpen), cb.State())

	// Reopening restarts the reset timer.
	clock.now = clock.now.Add(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("deezer", 3, 60*time.Second, WithClock(clock))

	failing := func() error { return errors.New("flaky") }
	assert.Error(t, cb.Execute(failing))
	assert.Error(t, cb.Execute(failing))
	assert.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures must not trip: the counter restarted at zero.
	assert.Error(t, cb.Execute(failing))
	assert.Error(t, cb.Execute(failing))
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestRegistry_SharesBreakersByName(t *testing.T) {
	reg := NewRegistry(2, 30*time.Second)

	a := reg.Get("slskd")
	b := reg.Get("slskd")
	assert.Same(t, a, b)

	c := reg.Get("spotify")
	assert.NotSame(t, a, c)

	states := reg.States()
	assert.Equal(t, map[string]string{
		"slskd":   string(StateClosed),
		"spotify": string(StateClosed),
	}, states)
}
