package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistryWithClock(arbor.NewLogger(), clock.Now), clock
}

var errBackend = errors.New("backend unavailable")

func failCall(r *Registry, name string) error {
	return r.Call(name, func() error { return errBackend })
}

func okCall(r *Registry, name string) error {
	return r.Call(name, func() error { return nil })
}

func TestBreakerStaysClosedUnderThreshold(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Configure("translation", Settings{FailureThreshold: 5, ResetAfter: 60 * time.Second})

	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, failCall(r, "translation"), errBackend)
	}
	assert.Equal(t, ModeClosed, r.ModeOf("translation"))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Configure("translation", Settings{FailureThreshold: 5, ResetAfter: 60 * time.Second})

	for i := 0; i < 5; i++ {
		failCall(r, "translation")
	}
	assert.Equal(t, ModeOpen, r.ModeOf("translation"))

	// Open breaker rejects without invoking the call.
	invoked := false
	err := r.Call("translation", func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Configure("translation", Settings{FailureThreshold: 3, ResetAfter: 30 * time.Second})

	failCall(r, "translation")
	failCall(r, "translation")
	require.NoError(t, okCall(r, "translation"))

	// The count restarted, so two more failures stay under the threshold.
	failCall(r, "translation")
	failCall(r, "translation")
	assert.Equal(t, ModeClosed, r.ModeOf("translation"))
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Configure("embedding", Settings{FailureThreshold: 3, ResetAfter: 30 * time.Second})

	for i := 0; i < 3; i++ {
		failCall(r, "embedding")
	}
	require.Equal(t, ModeOpen, r.ModeOf("embedding"))

	// Before the cooldown, still rejecting.
	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, okCall(r, "embedding"), ErrCircuitOpen)

	// After the cooldown, a successful probe closes the breaker.
	clock.Advance(2 * time.Second)
	require.NoError(t, okCall(r, "embedding"))
	assert.Equal(t, ModeClosed, r.ModeOf("embedding"))
	assert.NoError(t, okCall(r, "embedding"))
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Configure("embedding", Settings{FailureThreshold: 3, ResetAfter: 30 * time.Second})

	for i := 0; i < 3; i++ {
		failCall(r, "embedding")
	}
	clock.Advance(31 * time.Second)

	// Failed probe reopens with a fresh timer.
	assert.ErrorIs(t, failCall(r, "embedding"), errBackend)
	require.Equal(t, ModeOpen, r.ModeOf("embedding"))

	// The old cooldown has not restarted from the original open.
	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, okCall(r, "embedding"), ErrCircuitOpen)

	clock.Advance(2 * time.Second)
	require.NoError(t, okCall(r, "embedding"))
	assert.Equal(t, ModeClosed, r.ModeOf("embedding"))
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Configure("vision", Settings{FailureThreshold: 1, ResetAfter: 10 * time.Second})

	failCall(r, "vision")
	clock.Advance(11 * time.Second)
	r.Refresh()
	require.Equal(t, ModeHalfOpen, r.ModeOf("vision"))

	// First caller takes the probe slot; a second concurrent caller is
	// rejected until the probe resolves.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- r.Call("vision", func() error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	assert.ErrorIs(t, okCall(r, "vision"), ErrCircuitOpen)

	close(probeRelease)
	require.NoError(t, <-probeDone)
	assert.Equal(t, ModeClosed, r.ModeOf("vision"))
}

func TestRefreshTransitionsIdleOpenBreaker(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.Configure("translation", Settings{FailureThreshold: 1, ResetAfter: 60 * time.Second})

	failCall(r, "translation")
	require.Equal(t, ModeOpen, r.ModeOf("translation"))

	r.Refresh()
	assert.Equal(t, ModeOpen, r.ModeOf("translation"))

	clock.Advance(61 * time.Second)
	r.Refresh()
	assert.Equal(t, ModeHalfOpen, r.ModeOf("translation"))
}

func TestIndependentBreakers(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Configure("translation", Settings{FailureThreshold: 1, ResetAfter: time.Minute})
	r.Configure("embedding", Settings{FailureThreshold: 3, ResetAfter: time.Minute})

	failCall(r, "translation")
	assert.Equal(t, ModeOpen, r.ModeOf("translation"))
	assert.Equal(t, ModeClosed, r.ModeOf("embedding"))
	assert.NoError(t, okCall(r, "embedding"))
}

func TestUnconfiguredBreakerUsesDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < DefaultSettings.FailureThreshold-1; i++ {
		failCall(r, "unknown")
	}
	assert.Equal(t, ModeClosed, r.ModeOf("unknown"))
	failCall(r, "unknown")
	assert.Equal(t, ModeOpen, r.ModeOf("unknown"))
}
