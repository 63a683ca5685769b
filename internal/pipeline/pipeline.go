// Package pipeline owns the end-to-end request lifecycle: guard, classify,
// cache, route, generate, account, audit. A request is owned exclusively by
// the orchestrator from ingress to dispatch; every request emits exactly one
// audit record, whatever path it takes.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawsonblock/dsrouter/internal/audit"
	"github.com/dawsonblock/dsrouter/internal/budget"
	"github.com/dawsonblock/dsrouter/internal/cache"
	"github.com/dawsonblock/dsrouter/internal/classify"
	"github.com/dawsonblock/dsrouter/internal/events"
	"github.com/dawsonblock/dsrouter/internal/guard"
	"github.com/dawsonblock/dsrouter/internal/health"
	"github.com/dawsonblock/dsrouter/internal/metrics"
	"github.com/dawsonblock/dsrouter/internal/providers"
	"github.com/dawsonblock/dsrouter/internal/routing"
)

// ErrEmptyPrompt rejects requests with no prompt before any pipeline work.
var ErrEmptyPrompt = errors.New("prompt must not be empty")

// Canned outcome codes surfaced on Response.Code. Empty means a normal
// generation outcome.
const (
	CodePreGuardBlock   = "pre_guard_block"
	CodePostGuardBlock  = "post_guard_block"
	CodeBudgetExhausted = "budget_exhausted"
	CodeAllUnavailable  = "all_providers_unavailable"
	CodeCancelled       = "cancelled"
)

// Canned response texts. PostGuard runs over these too; they are written to
// pass it.
const (
	refusalText         = "I can't help with that request."
	budgetExhaustedText = "The service has reached its daily usage limit. Please try again later."
	unavailableText     = "No providers are currently available. Please retry shortly."
)

// Request is one chat submission after transport decoding.
type Request struct {
	Prompt       string
	SessionID    string
	Flags        classify.Flags
	SupportScore float64 // grounding support from the retrieval layer, [0,1]
	DeadlineMs   int
}

// Filters reports the guard verdicts applied to a request.
type Filters struct {
	PreGuard  string `json:"pre_guard"`
	PostGuard string `json:"post_guard"`
}

// Response is the unary result of a routed request.
type Response struct {
	ID           string          `json:"id"`
	Text         string          `json:"text"`
	Provider     string          `json:"provider,omitempty"`
	Cached       bool            `json:"cached"`
	Tokens       providers.Usage `json:"tokens"`
	CostMicro    int64           `json:"cost_micro"`
	Confidence   float64         `json:"confidence"`
	Filters      Filters         `json:"filters"`
	Reason       string          `json:"reason,omitempty"`
	FinishReason string          `json:"finish_reason"`
	Code         string          `json:"-"` // canned outcome code, empty on success
}

// Config tunes the orchestrator.
type Config struct {
	// SafetyPrefixBytes is how much streamed text is buffered and guard-checked
	// before anything reaches the client.
	SafetyPrefixBytes int
	// CheckpointBytes is how often accumulated stream text is re-checked.
	CheckpointBytes int
	// DefaultDeadline bounds requests that carry no deadline of their own.
	DefaultDeadline time.Duration
	// EstOutputTokens is the output-size guess used for budget reservations.
	EstOutputTokens int
	// CacheSimilarity is the minimum similarity for serving a cache hit.
	CacheSimilarity float64
}

// DefaultConfig returns the standard orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		SafetyPrefixBytes: 512,
		CheckpointBytes:   2048,
		DefaultDeadline:   60 * time.Second,
		EstOutputTokens:   1024,
		CacheSimilarity:   0.95,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SafetyPrefixBytes <= 0 {
		c.SafetyPrefixBytes = d.SafetyPrefixBytes
	}
	if c.CheckpointBytes <= 0 {
		c.CheckpointBytes = d.CheckpointBytes
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = d.DefaultDeadline
	}
	if c.EstOutputTokens <= 0 {
		c.EstOutputTokens = d.EstOutputTokens
	}
	if c.CacheSimilarity <= 0 {
		c.CacheSimilarity = d.CacheSimilarity
	}
	return c
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	cfg     Config
	clsCfg  classify.Config
	engine  *routing.Engine
	pre     *guard.PreGuard
	post    *guard.PostGuard
	tracker *health.Tracker
	gov     *budget.Governor
	cache   cache.ResponseCache // nil disables caching
	rec     *audit.Recorder
	met     *metrics.Registry
	bus     *events.Bus
	logger  *slog.Logger
	nowFunc func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache attaches a response cache.
func WithCache(c cache.ResponseCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithClassifyConfig overrides the classifier thresholds.
func WithClassifyConfig(cfg classify.Config) Option {
	return func(o *Orchestrator) { o.clsCfg = cfg }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.nowFunc = fn
		}
	}
}

// New creates an orchestrator. engine, tracker, gov, rec, met, and bus are
// required; cache is optional.
func New(cfg Config, engine *routing.Engine, tracker *health.Tracker, gov *budget.Governor,
	rec *audit.Recorder, met *metrics.Registry, bus *events.Bus, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg.withDefaults(),
		clsCfg:  classify.DefaultConfig(),
		engine:  engine,
		pre:     guard.NewPreGuard(),
		post:    guard.NewPostGuard(),
		tracker: tracker,
		gov:     gov,
		rec:     rec,
		met:     met,
		bus:     bus,
		logger:  logger,
		nowFunc: time.Now,
		active:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stop cancels the in-flight request with the given id. Returns false when no
// such request is active.
func (o *Orchestrator) Stop(id string) bool {
	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount reports how many requests are in flight.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) register(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// prepared is the request-local state derived during the common front half of
// the pipeline.
type prepared struct {
	id       string
	start    time.Time
	prompt   string // post-sanitization; what providers see
	flags    classify.Flags
	pre      guard.PreVerdict
	cls      classify.Classification
	fp       []byte
	deadline time.Duration
}

// prepare runs validation, PreGuard, fingerprinting, and classification.
// When the verdict is block the caller short-circuits; prompt and fingerprint
// are still populated for auditing.
func (o *Orchestrator) prepare(req Request) (*prepared, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	p := &prepared{
		id:       uuid.NewString(),
		start:    o.nowFunc(),
		flags:    req.Flags,
		deadline: o.cfg.DefaultDeadline,
	}
	if req.DeadlineMs > 0 {
		p.deadline = time.Duration(req.DeadlineMs) * time.Millisecond
	}

	p.pre = o.pre.Check(req.Prompt)
	p.prompt = req.Prompt
	if p.pre.Action == guard.ActionSanitize {
		p.prompt = p.pre.Sanitized
	}

	p.fp = classify.Fingerprint(o.clsCfg, p.prompt, req.Flags)
	p.cls = classify.Classify(o.clsCfg, p.prompt, req.Flags)
	return p, nil
}

func (o *Orchestrator) routingInput(p *prepared, req Request) routing.Input {
	return routing.Input{
		Classification:  p.cls,
		Flags:           req.Flags,
		SupportScore:    req.SupportScore,
		EstTokens:       int64(p.cls.EstPromptTokens + o.cfg.EstOutputTokens),
		EstCreditsMicro: 0, // credits estimated per provider at reserve time
	}
}

func (o *Orchestrator) estCredits(p *prepared, d providers.Descriptor) int64 {
	estOut := o.cfg.EstOutputTokens
	if d.MaxOutputTokens > 0 && d.MaxOutputTokens < estOut {
		estOut = d.MaxOutputTokens
	}
	return providers.CostMicro(providers.Usage{Prompt: p.cls.EstPromptTokens, Output: estOut}, d)
}

// Handle serves a unary chat request.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	p, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	o.register(p.id, cancel)
	defer o.unregister(p.id)

	if p.pre.Action == guard.ActionBlock {
		return o.preGuardBlocked(ctx, p, req), nil
	}

	if resp := o.serveFromCache(ctx, p, req); resp != nil {
		return resp, nil
	}

	in := o.routingInput(p, req)
	plan, err := o.engine.Select(in)
	if err != nil {
		if o.gov.WouldDeny(in.EstTokens, in.EstCreditsMicro) != "" {
			return o.budgetExhausted(ctx, p, req, nil), nil
		}
		return o.noProviders(ctx, p, req, nil), nil
	}

	return o.runUnary(ctx, p, req, plan)
}

// runUnary walks the candidate chain, escalates once on low confidence or a
// PostGuard block, and assembles the final response.
func (o *Orchestrator) runUnary(ctx context.Context, p *prepared, req Request, plan *routing.Plan) (*Response, error) {
	var (
		outcome *providers.Outcome
		res     *budget.Reservation
		served  providers.Provider
		reason  string
		depth   int
		tried   []string
	)

	budgetDenied := false
	for i, cand := range plan.Candidates {
		tried = append(tried, cand.Provider.Name())
		out, r, err := o.callProvider(ctx, p, cand.Provider, plan.CoTBudgetTokens)
		if err != nil {
			if isBudgetDenied(err) {
				budgetDenied = true
				continue
			}
			if isCancelled(err, ctx) {
				return o.cancelled(ctx, p, req, cand.Provider.Name(), tried), nil
			}
			continue
		}
		outcome, res, served, reason, depth = out, r, cand.Provider, cand.Reason, i
		break
	}
	if outcome == nil {
		if budgetDenied {
			return o.budgetExhausted(ctx, p, req, tried), nil
		}
		return o.noProviders(ctx, p, req, tried), nil
	}

	escalated := false
	if o.engine.ShouldEscalate(plan, served, outcome.Confidence, false) {
		out2, r2 := o.tryEscalation(ctx, p, plan, res, outcome)
		res = nil // prior reservation committed by tryEscalation
		if out2 != nil {
			tried = append(tried, plan.Escalation.Name())
			outcome, res, served = out2, r2, plan.Escalation
			reason = routing.ReasonLowConfidenceEscalation
			escalated = true
		}
	}

	pv := o.post.Check(outcome.Text, guard.PostContext{GroundingRequired: req.Flags.GroundingRequired})
	if pv.Action == guard.ActionBlock && !escalated && plan.Escalation != nil && served.Name() != plan.Escalation.Name() {
		// One escalation per request, shared between the confidence gate and
		// a PostGuard block.
		out2, r2 := o.tryEscalation(ctx, p, plan, res, outcome)
		res = nil
		if out2 != nil {
			tried = append(tried, plan.Escalation.Name())
			outcome, res, served = out2, r2, plan.Escalation
			escalated = true
			pv = o.post.Check(outcome.Text, guard.PostContext{GroundingRequired: req.Flags.GroundingRequired})
		}
	}

	o.gov.Commit(ctx, res, int64(outcome.Tokens.Prompt+outcome.Tokens.Output), outcome.CostMicro)

	resp := &Response{
		ID:           p.id,
		Provider:     outcome.Provider,
		Tokens:       outcome.Tokens,
		CostMicro:    outcome.CostMicro,
		Confidence:   outcome.Confidence,
		Reason:       reason,
		FinishReason: string(outcome.FinishReason),
		Filters:      Filters{PreGuard: string(p.pre.Action), PostGuard: string(pv.Action)},
	}

	switch pv.Action {
	case guard.ActionBlock:
		resp.Text = refusalText
		resp.FinishReason = string(providers.FinishFiltered)
		resp.Code = CodePostGuardBlock
		o.met.Blocked.WithLabelValues("post_guard").Inc()
		o.bus.Publish(events.Event{Type: events.EventGuardBlock, RequestID: p.id, Provider: outcome.Provider, Stage: "post_guard"})
	case guard.ActionRedact:
		resp.Text = pv.Redacted
	default:
		resp.Text = outcome.Text
	}

	// Clean outcomes only: a redacted or blocked answer must never be served
	// from cache later.
	if o.cache != nil && pv.Action == guard.ActionPass && outcome.FinishReason == providers.FinishStop {
		if err := o.cache.Store(ctx, p.fp, cache.Entry{
			Text:         outcome.Text,
			Provider:     outcome.Provider,
			Confidence:   outcome.Confidence,
			PromptTokens: outcome.Tokens.Prompt,
			OutputTokens: outcome.Tokens.Output,
			Grounded:     p.flags.GroundingRequired,
		}); err != nil {
			o.logger.Warn("cache_store_failed", slog.String("request_id", p.id), slog.String("error", err.Error()))
		}
	}

	o.observeSuccess(p, resp, served, reason, escalated)
	o.emitAudit(ctx, p, req, audit.Record{
		Provider:        resp.Provider,
		Tier:            string(served.Descriptor().Tier),
		Reason:          reason,
		CandidatesTried: tried,
		Escalated:       escalated,
		FallbackDepth:   depth,
		FinishReason:    resp.FinishReason,
		PostGuardAction: string(pv.Action),
		Confidence:      resp.Confidence,
		PromptTokens:    resp.Tokens.Prompt,
		OutputTokens:    resp.Tokens.Output,
		CostMicro:       resp.CostMicro,
	})
	return resp, nil
}

// callProvider runs the health gate, budget reservation, and generation for a
// single candidate. The reservation is returned uncommitted on success and
// released on failure.
func (o *Orchestrator) callProvider(ctx context.Context, p *prepared, prov providers.Provider, cotTokens int) (*providers.Outcome, *budget.Reservation, error) {
	name := prov.Name()
	if !o.tracker.Allow(name) {
		return nil, nil, errCircuitOpen
	}

	var res *budget.Reservation
	d := prov.Descriptor()
	if d.Tier != providers.TierLocal {
		var err error
		res, err = o.gov.Reserve(ctx, int64(p.cls.EstPromptTokens+o.cfg.EstOutputTokens), o.estCredits(p, d))
		if err != nil {
			o.met.RequestsTotal.WithLabelValues(name, "budget_denied", "").Inc()
			o.bus.Publish(events.Event{Type: events.EventBudgetDenied, RequestID: p.id, Provider: name, Reason: deniedReason(err)})
			return nil, nil, err
		}
	}

	start := o.nowFunc()
	out, err := prov.Generate(ctx, providers.GenRequest{
		ID:              p.id,
		Prompt:          p.prompt,
		Grounding:       p.flags.GroundingRequired,
		CoTBudgetTokens: cotTokens,
	}, providers.Limits{MaxOutputTokens: d.MaxOutputTokens, Deadline: p.deadline})
	latency := float64(o.nowFunc().Sub(start).Milliseconds())

	if err != nil {
		o.gov.Release(res)
		pe := providers.ClassifyError(name, err)
		if pe.Kind != providers.KindCancelled {
			// Client cancellations say nothing about provider health.
			o.tracker.Observe(name, latency, false, pe.Error())
		}
		o.met.ProviderErrors.WithLabelValues(name, string(pe.Kind)).Inc()
		o.bus.Publish(events.Event{
			Type: events.EventRouteError, RequestID: p.id, Provider: name,
			Tier: string(d.Tier), LatencyMs: latency, ErrorKind: string(pe.Kind), ErrorMsg: pe.Error(),
		})
		if pe.Permanent() {
			o.logger.Error("provider_permanent_error", slog.String("provider", name), slog.String("kind", string(pe.Kind)), slog.String("error", pe.Error()))
		}
		return nil, nil, pe
	}

	o.tracker.Observe(name, latency, true, "")
	return out, res, nil
}

// tryEscalation commits the prior attempt's actuals and runs the advanced
// target. Returns nils when the escalation could not run; the caller keeps
// the original outcome in that case.
func (o *Orchestrator) tryEscalation(ctx context.Context, p *prepared, plan *routing.Plan, prior *budget.Reservation, priorOut *providers.Outcome) (*providers.Outcome, *budget.Reservation) {
	o.gov.Commit(ctx, prior, int64(priorOut.Tokens.Prompt+priorOut.Tokens.Output), priorOut.CostMicro)

	out, res, err := o.callProvider(ctx, p, plan.Escalation, plan.CoTBudgetTokens)
	if err != nil {
		return nil, nil
	}
	o.met.Escalations.WithLabelValues(string(plan.Escalation.Descriptor().Tier)).Inc()
	o.bus.Publish(events.Event{
		Type: events.EventEscalation, RequestID: p.id,
		FromProvider: priorOut.Provider, ToProvider: plan.Escalation.Name(),
		Confidence: priorOut.Confidence,
	})
	return out, res
}

// serveFromCache returns a response when the cache holds a fresh, guard-clean
// entry for the fingerprint. Cache errors are a miss.
func (o *Orchestrator) serveFromCache(ctx context.Context, p *prepared, req Request) *Response {
	if o.cache == nil {
		return nil
	}
	hit, err := o.cache.Lookup(ctx, p.fp, p.flags.GroundingRequired)
	if err != nil {
		o.logger.Warn("cache_lookup_failed", slog.String("request_id", p.id), slog.String("error", err.Error()))
		o.met.CacheHits.WithLabelValues("error").Inc()
		return nil
	}
	if !hit.Hit || hit.Similarity < o.cfg.CacheSimilarity {
		o.met.CacheHits.WithLabelValues("miss").Inc()
		return nil
	}

	pv := o.post.Check(hit.Entry.Text, guard.PostContext{GroundingRequired: req.Flags.GroundingRequired})
	if pv.Action == guard.ActionBlock {
		// A cached entry that no longer passes PostGuard is unusable.
		o.met.CacheHits.WithLabelValues("rejected").Inc()
		return nil
	}
	o.met.CacheHits.WithLabelValues("hit").Inc()

	text := hit.Entry.Text
	if pv.Action == guard.ActionRedact {
		text = pv.Redacted
	}
	resp := &Response{
		ID:           p.id,
		Text:         text,
		Provider:     hit.Entry.Provider,
		Cached:       true,
		Tokens:       providers.Usage{Prompt: hit.Entry.PromptTokens, Output: hit.Entry.OutputTokens},
		Confidence:   hit.Entry.Confidence,
		FinishReason: string(providers.FinishStop),
		Filters:      Filters{PreGuard: string(p.pre.Action), PostGuard: string(pv.Action)},
	}
	o.emitAudit(ctx, p, req, audit.Record{
		Provider:        hit.Entry.Provider,
		FinishReason:    resp.FinishReason,
		PostGuardAction: string(pv.Action),
		Confidence:      resp.Confidence,
		PromptTokens:    resp.Tokens.Prompt,
		OutputTokens:    resp.Tokens.Output,
		CacheHit:        true,
	})
	return resp
}

// preGuardBlocked builds the refusal short-circuit. No provider is called;
// PostGuard still runs over the canned text.
func (o *Orchestrator) preGuardBlocked(ctx context.Context, p *prepared, req Request) *Response {
	pv := o.post.Check(refusalText, guard.PostContext{})
	o.met.Blocked.WithLabelValues("pre_guard").Inc()
	o.bus.Publish(events.Event{Type: events.EventGuardBlock, RequestID: p.id, Stage: "pre_guard"})

	resp := &Response{
		ID:           p.id,
		Text:         refusalText,
		FinishReason: string(providers.FinishFiltered),
		Filters:      Filters{PreGuard: string(guard.ActionBlock), PostGuard: string(pv.Action)},
		Code:         CodePreGuardBlock,
	}
	o.emitAudit(ctx, p, req, audit.Record{
		FinishReason:    resp.FinishReason,
		PostGuardAction: string(pv.Action),
	})
	return resp
}

func (o *Orchestrator) budgetExhausted(ctx context.Context, p *prepared, req Request, tried []string) *Response {
	pv := o.post.Check(budgetExhaustedText, guard.PostContext{})
	resp := &Response{
		ID:           p.id,
		Text:         budgetExhaustedText,
		FinishReason: string(providers.FinishError),
		Filters:      Filters{PreGuard: string(p.pre.Action), PostGuard: string(pv.Action)},
		Code:         CodeBudgetExhausted,
	}
	o.emitAudit(ctx, p, req, audit.Record{
		CandidatesTried: tried,
		FinishReason:    resp.FinishReason,
		PostGuardAction: string(pv.Action),
		DenyReason:      CodeBudgetExhausted,
	})
	return resp
}

func (o *Orchestrator) noProviders(ctx context.Context, p *prepared, req Request, tried []string) *Response {
	pv := o.post.Check(unavailableText, guard.PostContext{})
	resp := &Response{
		ID:           p.id,
		Text:         unavailableText,
		FinishReason: string(providers.FinishError),
		Filters:      Filters{PreGuard: string(p.pre.Action), PostGuard: string(pv.Action)},
		Code:         CodeAllUnavailable,
	}
	o.emitAudit(ctx, p, req, audit.Record{
		CandidatesTried: tried,
		FinishReason:    resp.FinishReason,
		PostGuardAction: string(pv.Action),
		DenyReason:      CodeAllUnavailable,
	})
	return resp
}

func (o *Orchestrator) cancelled(ctx context.Context, p *prepared, req Request, provider string, tried []string) *Response {
	o.bus.Publish(events.Event{Type: events.EventCancelled, RequestID: p.id, Provider: provider})
	resp := &Response{
		ID:           p.id,
		Provider:     provider,
		FinishReason: string(providers.FinishCancelled),
		Filters:      Filters{PreGuard: string(p.pre.Action)},
		Code:         CodeCancelled,
	}
	o.emitAudit(ctx, p, req, audit.Record{
		Provider:        provider,
		CandidatesTried: tried,
		FinishReason:    resp.FinishReason,
	})
	return resp
}

func (o *Orchestrator) observeSuccess(p *prepared, resp *Response, served providers.Provider, reason string, escalated bool) {
	d := served.Descriptor()
	latency := o.nowFunc().Sub(p.start).Milliseconds()
	o.met.RequestsTotal.WithLabelValues(resp.Provider, "success", reason).Inc()
	o.met.RequestLatency.WithLabelValues(resp.Provider, string(d.Tier)).Observe(float64(latency))
	o.met.Confidence.Observe(resp.Confidence)
	o.met.CostMicro.WithLabelValues(resp.Provider).Add(float64(resp.CostMicro))
	o.met.TokensTotal.WithLabelValues(resp.Provider, "prompt").Add(float64(resp.Tokens.Prompt))
	o.met.TokensTotal.WithLabelValues(resp.Provider, "output").Add(float64(resp.Tokens.Output))
	o.bus.Publish(events.Event{
		Type: events.EventRouteSuccess, RequestID: p.id, Provider: resp.Provider,
		Tier: string(d.Tier), LatencyMs: float64(latency),
		CostMicro: resp.CostMicro, Confidence: resp.Confidence, Reason: reason,
	})
}

// emitAudit fills the request-common fields and hands the record to the
// recorder. Exactly one call per request.
func (o *Orchestrator) emitAudit(ctx context.Context, p *prepared, req Request, rec audit.Record) {
	rec.RequestID = p.id
	rec.Timestamp = p.start.UTC()
	rec.FingerprintHex = hex.EncodeToString(p.fp)
	rec.Complexity = string(p.cls.Complexity)
	if p.cls.RiskClass != classify.RiskBenign {
		rec.RiskFlags = append(rec.RiskFlags, string(p.cls.RiskClass))
	}
	rec.PreGuardAction = string(p.pre.Action)
	if rec.LatencyMs == 0 {
		rec.LatencyMs = o.nowFunc().Sub(p.start).Milliseconds()
	}
	o.rec.Emit(ctx, rec)
}

var errCircuitOpen = errors.New("circuit open")

func isBudgetDenied(err error) bool {
	var de *budget.DeniedError
	return errors.As(err, &de)
}

func deniedReason(err error) string {
	var de *budget.DeniedError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

func isCancelled(err error, ctx context.Context) bool {
	var pe *providers.Error
	if errors.As(err, &pe) && pe.Kind == providers.KindCancelled {
		return true
	}
	return errors.Is(ctx.Err(), context.Canceled)
}
