// Package breaker implements per-dependency circuit breakers guarding calls
// to flaky external services.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/common"
)

// ErrCircuitOpen is the synthetic error returned when a breaker rejects a
// call without attempting it. It distinguishes "we didn't even try" from
// "we tried and failed" and never counts against the breaker's own failure
// counter.
var ErrCircuitOpen = errors.New("circuit open")

// Mode is the current state of one breaker.
type Mode string

const (
	ModeClosed   Mode = "closed"
	ModeOpen     Mode = "open"
	ModeHalfOpen Mode = "half-open"
)

// Settings configures one named breaker.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int
	// ResetAfter is how long the breaker stays open before allowing a probe.
	ResetAfter time.Duration
}

// DefaultSettings applies to breakers that were never explicitly configured.
var DefaultSettings = Settings{
	FailureThreshold: 5,
	ResetAfter:       60 * time.Second,
}

// state is one breaker. All fields are guarded by mu so concurrent callers
// always observe a consistent mode.
type state struct {
	mu       sync.Mutex
	name     string
	settings Settings
	mode     Mode
	failures int
	openedAt time.Time
	probing  bool
}

// Registry owns the circuit state for every dependency name. It is the only
// mutator of breaker state; callers go through Call.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*state
	logger   arbor.ILogger
	clock    func() time.Time
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		breakers: make(map[string]*state),
		logger:   logger,
		clock:    time.Now,
	}
}

// NewRegistryWithClock creates a registry with an injected clock for tests.
func NewRegistryWithClock(logger arbor.ILogger, clock func() time.Time) *Registry {
	r := NewRegistry(logger)
	r.clock = clock
	return r
}

// Configure sets the settings for a named breaker, creating it if needed.
func (r *Registry) Configure(name string, settings Settings) {
	b := r.get(name)
	b.mu.Lock()
	b.settings = settings
	b.mu.Unlock()
}

// get returns the breaker for name, creating it with defaults on first use.
func (r *Registry) get(name string) *state {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = &state{
		name:     name,
		settings: DefaultSettings,
		mode:     ModeClosed,
	}
	r.breakers[name] = b
	return b
}

// Call wraps fn with the named breaker. When the breaker is open the call
// fails immediately with ErrCircuitOpen and fn is not invoked.
func (r *Registry) Call(name string, fn func() error) error {
	b := r.get(name)

	if err := r.allow(b); err != nil {
		return err
	}

	err := fn()
	r.record(b, err)
	return err
}

// ModeOf returns the current mode of the named breaker.
func (r *Registry) ModeOf(name string) Mode {
	b := r.get(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// allow decides whether a call may proceed, transitioning open breakers to
// half-open once the reset-after duration has elapsed. In half-open mode
// exactly one probe call is allowed through.
func (r *Registry) allow(b *state) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case ModeClosed:
		return nil
	case ModeOpen:
		if r.clock().Sub(b.openedAt) >= b.settings.ResetAfter {
			b.mode = ModeHalfOpen
			b.probing = true
			r.logger.Debug().
				Str("breaker", b.name).
				Msg("Circuit breaker half-open, allowing probe")
			return nil
		}
		return ErrCircuitOpen
	case ModeHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// record updates breaker state from a call outcome.
func (r *Registry) record(b *state, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.mode != ModeClosed {
			r.logger.Info().
				Str("event", "breaker_closed").
				Str("breaker", b.name).
				Msg("Circuit breaker closed after successful probe")
		}
		b.mode = ModeClosed
		b.failures = 0
		b.probing = false
		return
	}

	if b.mode == ModeHalfOpen {
		// Probe failed: reopen with a fresh timer.
		b.mode = ModeOpen
		b.openedAt = r.clock()
		b.probing = false
		r.logger.Warn().
			Str("event", "breaker_opened").
			Str("breaker", b.name).
			Err(err).
			Msg("Circuit breaker reopened after failed probe")
		return
	}

	b.failures++
	if b.failures >= b.settings.FailureThreshold && b.mode == ModeClosed {
		b.mode = ModeOpen
		b.openedAt = r.clock()
		r.logger.Warn().
			Str("event", "breaker_opened").
			Str("breaker", b.name).
			Int("failures", b.failures).
			Err(err).
			Msg("Circuit breaker opened")
	}
}

// Refresh re-evaluates open breakers so a long-idle breaker still
// transitions to half-open without waiting for the next call attempt.
func (r *Registry) Refresh() {
	r.mu.RLock()
	breakers := make([]*state, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		b.mu.Lock()
		if b.mode == ModeOpen && r.clock().Sub(b.openedAt) >= b.settings.ResetAfter {
			b.mode = ModeHalfOpen
			b.probing = false
			r.logger.Debug().
				Str("breaker", b.name).
				Msg("Circuit breaker half-open after idle cooldown")
		}
		b.mu.Unlock()
	}
}

// StartRefresh runs Refresh on a fixed tick until ctx is cancelled.
func (r *Registry) StartRefresh(ctx context.Context, interval time.Duration) {
	common.SafeGoWithContext(ctx, r.logger, "breaker-refresh", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh()
			}
		}
	})
}
