// Package routing chooses which provider serves a request and manages the
// fallback and escalation policy around that choice. Selection is pure with
// respect to its inputs: a classification, health and budget snapshots, and
// the current threshold set.
package routing

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dawsonblock/dsrouter/internal/classify"
	"github.com/dawsonblock/dsrouter/internal/providers"
)

// ErrNoProviders is returned by Select when not a single provider, local
// included, is eligible.
var ErrNoProviders = errors.New("no eligible providers")

// fallbackOrder is the fixed tier walk used when a preferred provider is
// ineligible.
var fallbackOrder = []providers.Tier{
	providers.TierFast,
	providers.TierReasoning,
	providers.TierAdvanced,
	providers.TierLocal,
}

// Thresholds are the admin-tunable routing knobs. The set is swapped
// atomically; a request reads one snapshot for its whole lifetime.
type Thresholds struct {
	// ConfThreshold: outcomes below this confidence escalate (strict less-than).
	ConfThreshold float64 `json:"conf_threshold"`
	// SupportThreshold: grounding support below this biases selection toward
	// reasoning tiers.
	SupportThreshold float64 `json:"support_threshold"`
	// MaxCoTTokens caps the thinking budget handed to reasoning providers.
	MaxCoTTokens int `json:"max_cot_tokens"`
	// ForcedOverride pins selection to one provider (still health/budget
	// gated). Empty means no override.
	ForcedOverride string `json:"forced_override,omitempty"`
}

// DefaultThresholds returns the boot-time threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfThreshold:    0.72,
		SupportThreshold: 0.5,
		MaxCoTTokens:     4096,
	}
}

// Validate checks threshold ranges.
func (t Thresholds) Validate() error {
	if t.ConfThreshold < 0 || t.ConfThreshold > 1 {
		return errors.New("conf_threshold must be in [0,1]")
	}
	if t.SupportThreshold < 0 || t.SupportThreshold > 1 {
		return errors.New("support_threshold must be in [0,1]")
	}
	if t.MaxCoTTokens < 0 {
		return errors.New("max_cot_tokens must be non-negative")
	}
	return nil
}

// HealthView is the slice of the health tracker the engine needs. Eligible
// must be side-effect free; ranking candidates must not consume probe slots.
type HealthView interface {
	Eligible(provider string) bool
	P95LatencyMs(provider string) float64
}

// BudgetView gates non-local candidates on the daily budget without
// reserving. WouldDeny returns "" when a reservation of the estimate would
// be granted.
type BudgetView interface {
	WouldDeny(estTokens, estCreditsMicro int64) string
}

// Input is everything Select needs about one request.
type Input struct {
	Classification  classify.Classification
	Flags           classify.Flags
	SupportScore    float64 // grounding support, only meaningful with GroundingRequired
	EstTokens       int64
	EstCreditsMicro int64
}

// Candidate is one provider in the plan, with the reason it was picked.
type Candidate struct {
	Provider providers.Provider
	Reason   string
}

// Routing decision reasons, surfaced in responses and audit records.
const (
	ReasonSimpleQuery             = "simple_query"
	ReasonComplexQuery            = "complex_query"
	ReasonForcedOverride          = "forced_override"
	ReasonCircuitOpenFallback     = "circuit_open_fallback"
	ReasonBudgetFallback          = "budget_fallback"
	ReasonDegradedFallback        = "degraded_fallback"
	ReasonLowConfidenceEscalation = "low_confidence_escalation"
)

// Plan is an ordered attempt list for one request. Candidates[0] is P0; the
// rest are the fallback chain, local tier last. Escalation is the advanced
// provider to use on low confidence, nil when ineligible.
type Plan struct {
	Candidates      []Candidate
	Escalation      providers.Provider
	CoTBudgetTokens int
	Thresholds      Thresholds
}

// Engine holds the provider table and the threshold snapshot.
type Engine struct {
	health HealthView
	budget BudgetView

	thresholds atomic.Pointer[Thresholds]

	mu    sync.RWMutex
	table map[string]providers.Provider
	order []string // registration order, for deterministic iteration
}

// NewEngine creates an engine with default thresholds.
func NewEngine(health HealthView, budget BudgetView) *Engine {
	e := &Engine{
		health: health,
		budget: budget,
		table:  make(map[string]providers.Provider),
	}
	t := DefaultThresholds()
	e.thresholds.Store(&t)
	return e
}

// Register adds a provider to the table.
func (e *Engine) Register(p providers.Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.table[p.Name()]; !ok {
		e.order = append(e.order, p.Name())
	}
	e.table[p.Name()] = p
}

// SetProviders atomically replaces the provider table. In-flight requests
// keep the providers captured in their plan.
func (e *Engine) SetProviders(ps []providers.Provider) {
	table := make(map[string]providers.Provider, len(ps))
	order := make([]string, 0, len(ps))
	for _, p := range ps {
		if _, ok := table[p.Name()]; !ok {
			order = append(order, p.Name())
		}
		table[p.Name()] = p
	}
	e.mu.Lock()
	e.table = table
	e.order = order
	e.mu.Unlock()
}

// ListProviders returns the registered providers in registration order.
func (e *Engine) ListProviders() []providers.Provider {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]providers.Provider, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.table[name])
	}
	return out
}

// GetThresholds returns the current threshold snapshot.
func (e *Engine) GetThresholds() Thresholds {
	return *e.thresholds.Load()
}

// SetThresholds swaps the threshold set. Zero-value fields in a partial
// update are the caller's responsibility; this stores what it is given.
func (e *Engine) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.thresholds.Store(&t)
	return nil
}

// SetForcedOverride pins or clears the forced provider.
func (e *Engine) SetForcedOverride(provider string) {
	t := *e.thresholds.Load()
	t.ForcedOverride = provider
	e.thresholds.Store(&t)
}

// Select builds the attempt plan for one request.
//
// The primary is chosen by classification (simple→fast, complex/hard→
// reasoning), upgraded by the grounding bias, then health/budget gated with
// substitution along the fixed fallback order. The remaining eligible
// providers form the fallback chain, local tier always last. The advanced
// escalation target is resolved here so the caller escalates against the
// same snapshot it routed with.
func (e *Engine) Select(in Input) (*Plan, error) {
	th := *e.thresholds.Load()

	e.mu.RLock()
	byTier := e.tiersLocked()
	forced := e.table[th.ForcedOverride]
	e.mu.RUnlock()

	primaryTier := e.primaryTier(in, th)

	plan := &Plan{Thresholds: th}

	var p0 Candidate
	if forced != nil && e.eligible(forced, in) {
		p0 = Candidate{Provider: forced, Reason: ReasonForcedOverride}
	} else {
		var ok bool
		p0, ok = e.gatedPick(byTier, primaryTier, in)
		if !ok {
			return nil, ErrNoProviders
		}
	}
	plan.Candidates = append(plan.Candidates, p0)

	// Fallback chain: walk the fixed tier order, skipping P0 and anything
	// ineligible. Local is appended even when every other tier is down.
	// Anyone served from here arrived after a failed attempt, hence degraded.
	seen := map[string]bool{p0.Provider.Name(): true}
	for _, tier := range fallbackOrder {
		for _, p := range byTier[tier] {
			if seen[p.Name()] {
				continue
			}
			if tier != providers.TierLocal && !e.eligible(p, in) {
				continue
			}
			if tier == providers.TierLocal && !e.health.Eligible(p.Name()) {
				continue
			}
			seen[p.Name()] = true
			plan.Candidates = append(plan.Candidates, Candidate{Provider: p, Reason: ReasonDegradedFallback})
		}
	}
	if len(plan.Candidates) == 0 {
		return nil, ErrNoProviders
	}

	// Escalation target: best eligible advanced provider, unless P0 already
	// is one.
	if p0.Provider.Descriptor().Tier != providers.TierAdvanced {
		for _, p := range byTier[providers.TierAdvanced] {
			if e.eligible(p, in) {
				plan.Escalation = p
				break
			}
		}
	}

	plan.CoTBudgetTokens = cotBudget(th.MaxCoTTokens, in.Classification.Complexity, p0.Provider.Descriptor().ConfidencePrior)
	return plan, nil
}

// ShouldEscalate applies the escalation rule to a finished attempt:
// confidence strictly below the threshold, the serving tier not already
// advanced, an advanced target available, and no prior escalation.
func (e *Engine) ShouldEscalate(plan *Plan, served providers.Provider, confidence float64, alreadyEscalated bool) bool {
	if alreadyEscalated || plan.Escalation == nil {
		return false
	}
	if served.Descriptor().Tier == providers.TierAdvanced {
		return false
	}
	return confidence < plan.Thresholds.ConfThreshold
}

// primaryTier maps a classification to the preferred tier, applying the
// grounding bias.
func (e *Engine) primaryTier(in Input, th Thresholds) providers.Tier {
	tier := providers.TierFast
	if in.Classification.Complexity != classify.Simple {
		tier = providers.TierReasoning
	}
	// Weakly supported grounded requests always get a reasoning-class
	// provider, whatever the classifier said.
	if in.Flags.GroundingRequired && in.SupportScore < th.SupportThreshold && tier == providers.TierFast {
		tier = providers.TierReasoning
	}
	return tier
}

// gatedPick returns the best eligible provider at or after the wanted tier
// in the fallback order.
func (e *Engine) gatedPick(byTier map[providers.Tier][]providers.Provider, want providers.Tier, in Input) (Candidate, bool) {
	start := 0
	for i, t := range fallbackOrder {
		if t == want {
			start = i
			break
		}
	}
	for i := start; i < len(fallbackOrder); i++ {
		tier := fallbackOrder[i]
		for _, p := range byTier[tier] {
			if !e.eligible(p, in) {
				continue
			}
			reason := classificationReason(in.Classification.Complexity)
			if tier != want {
				reason = e.substitutionReason(byTier[want], in)
			}
			return Candidate{Provider: p, Reason: reason}, true
		}
	}
	return Candidate{}, false
}

// classificationReason names the primary pick after its complexity class.
func classificationReason(c classify.Complexity) string {
	if c == classify.Simple {
		return ReasonSimpleQuery
	}
	return ReasonComplexQuery
}

// substitutionReason distinguishes why the preferred tier was skipped: if
// any provider there was healthy but budget-denied, the budget is the
// binding constraint; otherwise a tripped circuit is.
func (e *Engine) substitutionReason(preferred []providers.Provider, in Input) string {
	for _, p := range preferred {
		if e.health.Eligible(p.Name()) && e.budgetDenied(p, in) {
			return ReasonBudgetFallback
		}
	}
	return ReasonCircuitOpenFallback
}

// eligible applies the health and budget gates to a single provider.
func (e *Engine) eligible(p providers.Provider, in Input) bool {
	if !e.health.Eligible(p.Name()) {
		return false
	}
	return !e.budgetDenied(p, in)
}

// budgetDenied checks the budget gate. Local tier is exempt: it costs
// nothing and must stay reachable as the terminal fallback.
func (e *Engine) budgetDenied(p providers.Provider, in Input) bool {
	if e.budget == nil || p.Descriptor().Tier == providers.TierLocal {
		return false
	}
	return e.budget.WouldDeny(in.EstTokens, in.EstCreditsMicro) != ""
}

// tiersLocked buckets the table by tier, each bucket sorted by the
// tie-break rule: p95 latency, then output cost, then name. Caller must
// hold e.mu (read lock).
func (e *Engine) tiersLocked() map[providers.Tier][]providers.Provider {
	byTier := make(map[providers.Tier][]providers.Provider)
	for _, name := range e.order {
		p := e.table[name]
		tier := p.Descriptor().Tier
		byTier[tier] = append(byTier[tier], p)
	}
	for tier := range byTier {
		ps := byTier[tier]
		sort.SliceStable(ps, func(i, j int) bool {
			pi, pj := ps[i], ps[j]
			li, lj := e.health.P95LatencyMs(pi.Name()), e.health.P95LatencyMs(pj.Name())
			if li != lj {
				return li < lj
			}
			ci, cj := pi.Descriptor().CostPer1KOutput, pj.Descriptor().CostPer1KOutput
			if ci != cj {
				return ci < cj
			}
			return pi.Name() < pj.Name()
		})
	}
	return byTier
}

// cotBudget computes the thinking-token budget handed to reasoning
// providers. Hard prompts get the full cap; complex prompts get a cap
// scaled down by how confident the tier already tends to be; simple prompts
// get none.
func cotBudget(maxCoT int, c classify.Complexity, prior float64) int {
	switch c {
	case classify.Hard:
		return maxCoT
	case classify.Complex:
		if prior < 0 {
			prior = 0
		}
		if prior > 1 {
			prior = 1
		}
		return int(float64(maxCoT) * (1 - 0.5*prior))
	default:
		return 0
	}
}
