// Package health tracks per-provider reliability: a rolling latency/outcome
// window with p50/p95 aggregation, and a circuit breaker per provider that
// gates whether the router may attempt it.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/dawsonblock/dsrouter/internal/circuit"
)

// Snapshot captures runtime health metrics for a single provider at a point
// in time.
type Snapshot struct {
	Provider      string    `json:"provider"`
	CircuitState  string    `json:"circuit_state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ErrorRate     float64   `json:"error_rate"`
	P50LatencyMs  float64   `json:"p50_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	Samples       int       `json:"samples"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// TrackerConfig configures the rolling window and the per-provider breakers.
type TrackerConfig struct {
	// Window bounds observations by age.
	Window time.Duration
	// MaxSamples bounds observations by count; oldest are dropped first.
	MaxSamples int
	// Breaker settings applied to every provider's circuit.
	FailureThreshold int
	ErrorRateToOpen  float64
	MinSamplesToOpen int
	Cooldown         time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		Window:           60 * time.Second,
		MaxSamples:       512,
		FailureThreshold: 5,
		ErrorRateToOpen:  0.5,
		MinSamplesToOpen: 10,
		Cooldown:         30 * time.Second,
	}
}

type observation struct {
	at        time.Time
	latencyMs float64
	ok        bool
}

type providerHealth struct {
	breaker       *circuit.Breaker
	window        []observation
	totalRequests int64
	totalErrors   int64
	lastError     string
	lastErrorTime time.Time
	lastSuccessAt time.Time
}

// Tracker tracks runtime health of all providers. Every provider attempt
// produces exactly one Observe call, which feeds both the rolling window and
// that provider's circuit breaker.
type Tracker struct {
	cfg           TrackerConfig
	onStateChange func(provider string, from, to circuit.State)
	nowFunc       func() time.Time

	mu        sync.RWMutex
	providers map[string]*providerHealth
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithOnStateChange registers a callback fired whenever any provider's
// breaker changes state. Used to publish health-change events and keep
// gauges current.
func WithOnStateChange(fn func(provider string, from, to circuit.State)) TrackerOption {
	return func(t *Tracker) { t.onStateChange = fn }
}

// WithNowFunc overrides the clock (used by tests).
func WithNowFunc(fn func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if fn != nil {
			t.nowFunc = fn
		}
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultConfig().MaxSamples
	}
	t := &Tracker{
		cfg:       cfg,
		nowFunc:   time.Now,
		providers: make(map[string]*providerHealth),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// getOrCreate returns the health record for a provider. Caller must hold
// t.mu (write lock).
func (t *Tracker) getOrCreate(provider string) *providerHealth {
	ph, ok := t.providers[provider]
	if !ok {
		ph = &providerHealth{
			breaker: circuit.New(
				circuit.WithFailureThreshold(t.cfg.FailureThreshold),
				circuit.WithErrorRate(t.cfg.ErrorRateToOpen, t.cfg.MinSamplesToOpen),
				circuit.WithCooldown(t.cfg.Cooldown),
				circuit.WithWindow(t.cfg.Window),
				circuit.WithNowFunc(t.nowFunc),
				circuit.WithOnStateChange(func(from, to circuit.State) {
					if t.onStateChange != nil {
						t.onStateChange(provider, from, to)
					}
				}),
			),
		}
		t.providers[provider] = ph
	}
	return ph
}

// Observe records one completed attempt against a provider. ok=false covers
// every failure kind except client cancellation, which callers skip so a
// hung-up client does not poison provider health.
func (t *Tracker) Observe(provider string, latencyMs float64, ok bool, errMsg string) {
	t.mu.Lock()
	ph := t.getOrCreate(provider)
	now := t.nowFunc()

	ph.totalRequests++
	ph.window = append(ph.window, observation{at: now, latencyMs: latencyMs, ok: ok})
	t.pruneLocked(ph, now)

	if ok {
		ph.lastSuccessAt = now
	} else {
		ph.totalErrors++
		ph.lastError = errMsg
		ph.lastErrorTime = now
	}
	breaker := ph.breaker
	t.mu.Unlock()

	// Breaker has its own lock; feed it outside ours so its state-change
	// callback cannot deadlock against Snapshot readers.
	if ok {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
}

// Allow reports whether the provider may be attempted right now. Delegates
// to the circuit breaker, which transitions Open to HalfOpen after cooldown
// and admits exactly one probe.
func (t *Tracker) Allow(provider string) bool {
	t.mu.Lock()
	ph := t.getOrCreate(provider)
	t.mu.Unlock()
	return ph.breaker.Allow()
}

// Eligible reports whether a provider could be attempted, without consuming
// the HalfOpen probe slot. Used when ranking candidates; the attempt itself
// still goes through Allow.
func (t *Tracker) Eligible(provider string) bool {
	t.mu.RLock()
	ph, ok := t.providers[provider]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	return ph.breaker.Eligible()
}

// CircuitState returns the provider's current breaker state without the
// side effects of Allow.
func (t *Tracker) CircuitState(provider string) circuit.State {
	t.mu.RLock()
	ph, ok := t.providers[provider]
	t.mu.RUnlock()
	if !ok {
		return circuit.Closed
	}
	return ph.breaker.CurrentState()
}

// Reset force-closes a provider's breaker and clears its window. Used when
// descriptors are reloaded.
func (t *Tracker) Reset(provider string) {
	t.mu.Lock()
	ph, ok := t.providers[provider]
	if ok {
		ph.window = ph.window[:0]
	}
	t.mu.Unlock()
	if ok {
		ph.breaker.ForceClose()
	}
}

// GetSnapshot returns an atomic snapshot of a provider's health.
func (t *Tracker) GetSnapshot(provider string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ph, ok := t.providers[provider]
	if !ok {
		return Snapshot{Provider: provider, CircuitState: circuit.Closed.String()}
	}
	return t.snapshotLocked(provider, ph)
}

// AllSnapshots returns snapshots for every provider seen so far.
func (t *Tracker) AllSnapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Snapshot, 0, len(t.providers))
	for name, ph := range t.providers {
		result = append(result, t.snapshotLocked(name, ph))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result
}

// P95LatencyMs returns the windowed p95 latency for a provider. Zero when no
// samples exist.
func (t *Tracker) P95LatencyMs(provider string) float64 {
	return t.GetSnapshot(provider).P95LatencyMs
}

// ErrorRate returns the windowed error rate for a provider.
func (t *Tracker) ErrorRate(provider string) float64 {
	return t.GetSnapshot(provider).ErrorRate
}

// snapshotLocked computes a snapshot. Caller must hold t.mu (read lock).
func (t *Tracker) snapshotLocked(provider string, ph *providerHealth) Snapshot {
	cutoff := t.nowFunc().Add(-t.cfg.Window)
	latencies := make([]float64, 0, len(ph.window))
	errors := 0
	for _, o := range ph.window {
		if o.at.Before(cutoff) {
			continue
		}
		latencies = append(latencies, o.latencyMs)
		if !o.ok {
			errors++
		}
	}

	s := Snapshot{
		Provider:      provider,
		CircuitState:  ph.breaker.CurrentState().String(),
		TotalRequests: ph.totalRequests,
		TotalErrors:   ph.totalErrors,
		Samples:       len(latencies),
		LastError:     ph.lastError,
		LastErrorTime: ph.lastErrorTime,
		LastSuccessAt: ph.lastSuccessAt,
	}
	if len(latencies) > 0 {
		s.ErrorRate = float64(errors) / float64(len(latencies))
		sort.Float64s(latencies)
		s.P50LatencyMs = percentile(latencies, 0.50)
		s.P95LatencyMs = percentile(latencies, 0.95)
	}
	return s
}

// pruneLocked drops observations beyond the age and count bounds. Caller
// must hold t.mu (write lock).
func (t *Tracker) pruneLocked(ph *providerHealth, now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	i := 0
	for i < len(ph.window) && ph.window[i].at.Before(cutoff) {
		i++
	}
	if over := len(ph.window) - i - t.cfg.MaxSamples; over > 0 {
		i += over
	}
	if i > 0 {
		ph.window = append(ph.window[:0], ph.window[i:]...)
	}
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
