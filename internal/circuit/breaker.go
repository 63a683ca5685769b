// Package circuit implements a thread-safe circuit breaker for upstream
// provider calls. A breaker trips after a run of consecutive failures or
// when the windowed error rate crosses a threshold, sheds load for a
// cooldown period, then probes with a single request before closing again.
package circuit

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: requests flow to the provider.
	Closed State = iota
	// Open means the circuit has tripped: the provider is skipped entirely.
	Open
	// HalfOpen allows a single probe request through to test recovery.
	HalfOpen
)

// String returns the wire name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
	defaultWindow           = 60 * time.Second
	defaultErrorRate        = 0.5
	defaultMinSamples       = 10
)

// Breaker is a goroutine-safe circuit breaker. It trips on either of two
// conditions: a run of consecutive failures, or a windowed error rate at
// or above the configured threshold once enough samples exist.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	onStateChange    func(from, to State)

	// Windowed error-rate tracking. Entries older than window are pruned
	// on every record.
	window     time.Duration
	errorRate  float64
	minSamples int
	samples    []sample

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

type sample struct {
	at time.Time
	ok bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures required to
// trip the breaker from Closed to Open. The default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before transitioning to
// HalfOpen. The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithErrorRate sets the windowed error-rate trip threshold in [0,1] and the
// minimum number of samples required before the rate condition applies.
func WithErrorRate(rate float64, minSamples int) Option {
	return func(b *Breaker) {
		if rate > 0 && rate <= 1 {
			b.errorRate = rate
		}
		if minSamples > 0 {
			b.minSamples = minSamples
		}
	}
}

// WithWindow sets the rolling window over which the error rate is computed.
// The default is 60 seconds.
func WithWindow(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every state transition.
// The callback is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithNowFunc overrides the clock (used by tests).
func WithNowFunc(fn func() time.Time) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.nowFunc = fn
		}
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		window:           defaultWindow,
		errorRate:        defaultErrorRate,
		minSamples:       defaultMinSamples,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next request may be sent to the provider.
//
// In Closed state it always returns true. In Open state it returns false
// unless the cooldown has elapsed, in which case it transitions to HalfOpen
// and returns true for a single probe request. In HalfOpen state it returns
// false (only one probe is in flight at a time).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.lastTripped.Add(b.cooldown)) {
			b.setState(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// Only one probe at a time; reject additional requests while probing.
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful provider call. If the breaker is
// HalfOpen (probe succeeded), it transitions back to Closed. In Closed state
// it resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(true)
	b.failureCount = 0
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure records a failed provider call. In Closed state it trips the
// breaker when either the consecutive-failure threshold or the windowed
// error-rate condition is met. In HalfOpen state (probe failed) it
// immediately reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(false)
	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold || b.rateTrippedLocked() {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// Eligible reports whether an attempt could be admitted right now, without
// the state transition Allow performs. Selection code uses this so ranking
// candidates does not consume the HalfOpen probe slot.
func (b *Breaker) Eligible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		return b.nowFunc().After(b.lastTripped.Add(b.cooldown))
	default:
		return false
	}
}

// CurrentState returns the current breaker state. Note: in Open state this
// does NOT check the cooldown timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrorRate returns the error rate over the rolling window and the number of
// samples it covers.
func (b *Breaker) ErrorRate() (rate float64, samples int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return b.rateLocked()
}

// ForceClose resets the breaker to Closed, clearing counters and the sample
// window. Used when a provider's descriptor is reloaded.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.samples = b.samples[:0]
	if b.state != Closed {
		b.setState(Closed)
	}
}

// record appends a sample and prunes expired ones. Caller must hold b.mu.
func (b *Breaker) record(ok bool) {
	b.samples = append(b.samples, sample{at: b.nowFunc(), ok: ok})
	b.pruneLocked()
}

func (b *Breaker) pruneLocked() {
	cutoff := b.nowFunc().Add(-b.window)
	i := 0
	for i < len(b.samples) && !b.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *Breaker) rateLocked() (float64, int) {
	n := len(b.samples)
	if n == 0 {
		return 0, 0
	}
	failures := 0
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
	}
	return float64(failures) / float64(n), n
}

// rateTrippedLocked reports whether the windowed error-rate condition holds.
// The rate condition never fires below minSamples, so a cold provider is not
// tripped by its first failure. Caller must hold b.mu.
func (b *Breaker) rateTrippedLocked() bool {
	rate, n := b.rateLocked()
	return n >= b.minSamples && rate >= b.errorRate
}

// trip opens the breaker. Caller must hold b.mu.
func (b *Breaker) trip() {
	b.setState(Open)
	b.lastTripped = b.nowFunc()
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
