package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/dawsonblock/dsrouter/internal/audit"
	"github.com/dawsonblock/dsrouter/internal/budget"
	"github.com/dawsonblock/dsrouter/internal/cache"
	"github.com/dawsonblock/dsrouter/internal/events"
	"github.com/dawsonblock/dsrouter/internal/guard"
	"github.com/dawsonblock/dsrouter/internal/providers"
	"github.com/dawsonblock/dsrouter/internal/routing"
)

// Frame event names, in the order clients see them.
const (
	FrameStreamStart    = "stream_start"
	FrameCachedResponse = "cached_response"
	FrameChunk          = "chunk"
	FrameStreamComplete = "stream_complete"
	FrameError          = "error"
)

// FrameWriter delivers one event frame to the client. Implementations flush
// after every frame.
type FrameWriter interface {
	WriteFrame(event string, data any) error
}

// StartFrame opens a live stream.
type StartFrame struct {
	ID             string             `json:"id"`
	Provider       string             `json:"provider"`
	Classification ClassificationInfo `json:"classification"`
	Cached         bool               `json:"cached"`
}

// ClassificationInfo is the classification summary carried in stream_start.
type ClassificationInfo struct {
	Complexity      string `json:"complexity"`
	EstPromptTokens int    `json:"est_prompt_tokens"`
	NeedsReasoning  bool   `json:"needs_reasoning"`
}

// CachedFrame replaces stream_start when the cache serves the request whole.
type CachedFrame struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Provider string         `json:"provider"`
	Cached   bool           `json:"cached"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChunkFrame carries one text delta.
type ChunkFrame struct {
	TextDelta string `json:"text_delta"`
}

// CompleteFrame is the success terminator. CorrectedText is set when the
// final PostGuard pass redacted the already-streamed output.
type CompleteFrame struct {
	FinishReason  string          `json:"finish_reason"`
	Tokens        providers.Usage `json:"tokens"`
	CostMicro     int64           `json:"cost_micro"`
	Confidence    float64         `json:"confidence"`
	PostGuard     string          `json:"post_guard"`
	CorrectedText string          `json:"corrected_text,omitempty"`
}

// ErrorFrame is the failure terminator.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// streamResult summarizes one provider stream attempt.
type streamResult struct {
	outcome     *providers.Outcome
	text        string
	started     bool // stream_start was emitted; failures past this are terminal
	prefixBlock bool // PostGuard blocked inside the safety prefix; retryable
	midBlock    bool // PostGuard blocked after emission began; terminal
	cancelled   bool
	partialOut  int
	latencyMs   float64
}

// HandleStream serves a streaming chat request, writing the normative frame
// sequence to fw: stream_start|cached_response, chunk*, then exactly one
// stream_complete or error.
func (o *Orchestrator) HandleStream(ctx context.Context, req Request, fw FrameWriter) error {
	p, err := o.prepare(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	o.register(p.id, cancel)
	defer o.unregister(p.id)

	o.met.StreamsActive.Inc()
	defer o.met.StreamsActive.Dec()

	if p.pre.Action == guard.ActionBlock {
		resp := o.preGuardBlocked(ctx, p, req)
		fw.WriteFrame(FrameStreamStart, o.startFrame(p, ""))
		return fw.WriteFrame(FrameError, ErrorFrame{Code: resp.Code, Message: resp.Text})
	}

	if done, err := o.streamFromCache(ctx, p, req, fw); done {
		return err
	}

	in := o.routingInput(p, req)
	plan, err := o.engine.Select(in)
	if err != nil {
		var resp *Response
		if o.gov.WouldDeny(in.EstTokens, in.EstCreditsMicro) != "" {
			resp = o.budgetExhausted(ctx, p, req, nil)
		} else {
			resp = o.noProviders(ctx, p, req, nil)
		}
		fw.WriteFrame(FrameStreamStart, o.startFrame(p, ""))
		return fw.WriteFrame(FrameError, ErrorFrame{Code: resp.Code, Message: resp.Text})
	}

	return o.runStreamChain(ctx, p, req, plan, fw)
}

// runStreamChain walks the candidate queue. A PostGuard block inside the
// safety prefix queues the escalation target next (once); everything else
// follows the same fallback walk as the unary path.
func (o *Orchestrator) runStreamChain(ctx context.Context, p *prepared, req Request, plan *routing.Plan, fw FrameWriter) error {
	queue := make([]routing.Candidate, len(plan.Candidates))
	copy(queue, plan.Candidates)

	var tried []string
	escalationQueued := false
	budgetDenied := false
	depth := -1

	for len(queue) > 0 {
		cand := queue[0]
		queue = queue[1:]
		depth++
		name := cand.Provider.Name()
		tried = append(tried, name)

		if !o.tracker.Allow(name) {
			continue
		}

		var res *budget.Reservation
		d := cand.Provider.Descriptor()
		if d.Tier != providers.TierLocal {
			var rerr error
			res, rerr = o.gov.Reserve(ctx, int64(p.cls.EstPromptTokens+o.cfg.EstOutputTokens), o.estCredits(p, d))
			if rerr != nil {
				if isBudgetDenied(rerr) {
					budgetDenied = true
					o.bus.Publish(events.Event{Type: events.EventBudgetDenied, RequestID: p.id, Provider: name, Reason: deniedReason(rerr)})
				}
				continue
			}
		}

		sr, serr := o.runStream(ctx, p, req, cand.Provider, plan.CoTBudgetTokens, fw)

		if serr != nil && !sr.started {
			// Transport failure before anything was emitted; walk on.
			o.gov.Release(res)
			pe := providers.ClassifyError(name, serr)
			if pe.Kind == providers.KindCancelled {
				return o.streamCancelled(ctx, p, req, cand, sr, res, fw, tried)
			}
			o.tracker.Observe(name, sr.latencyMs, false, pe.Error())
			o.met.ProviderErrors.WithLabelValues(name, string(pe.Kind)).Inc()
			o.bus.Publish(events.Event{Type: events.EventRouteError, RequestID: p.id, Provider: name, ErrorKind: string(pe.Kind), ErrorMsg: pe.Error()})
			continue
		}

		if sr.cancelled {
			return o.streamCancelled(ctx, p, req, cand, sr, res, fw, tried)
		}

		if serr != nil {
			// Mid-stream transport failure after emission; terminal.
			o.commitStream(ctx, res, sr)
			pe := providers.ClassifyError(name, serr)
			o.tracker.Observe(name, sr.latencyMs, false, pe.Error())
			o.met.ProviderErrors.WithLabelValues(name, string(pe.Kind)).Inc()
			o.emitAudit(ctx, p, req, audit.Record{
				Provider: name, Tier: string(d.Tier), Reason: cand.Reason,
				CandidatesTried: tried, FallbackDepth: depth,
				FinishReason: string(providers.FinishError),
				OutputTokens: sr.partialOut,
			})
			return fw.WriteFrame(FrameError, ErrorFrame{Code: "provider_error", Message: "the provider stream failed"})
		}

		if sr.prefixBlock {
			// Nothing reached the client. Charge what the stream consumed and
			// either escalate once or refuse.
			o.commitStream(ctx, res, sr)
			o.tracker.Observe(name, sr.latencyMs, true, "")
			o.met.Blocked.WithLabelValues("post_guard").Inc()
			o.bus.Publish(events.Event{Type: events.EventGuardBlock, RequestID: p.id, Provider: name, Stage: "post_guard"})

			if !escalationQueued && plan.Escalation != nil && plan.Escalation.Name() != name {
				escalationQueued = true
				o.met.Escalations.WithLabelValues(string(plan.Escalation.Descriptor().Tier)).Inc()
				o.bus.Publish(events.Event{Type: events.EventEscalation, RequestID: p.id, FromProvider: name, ToProvider: plan.Escalation.Name()})
				queue = append([]routing.Candidate{{Provider: plan.Escalation, Reason: routing.ReasonLowConfidenceEscalation}}, queue...)
				continue
			}

			o.emitAudit(ctx, p, req, audit.Record{
				Provider: name, Tier: string(d.Tier), Reason: cand.Reason,
				CandidatesTried: tried, Escalated: escalationQueued, FallbackDepth: depth,
				FinishReason:    string(providers.FinishFiltered),
				PostGuardAction: string(guard.ActionBlock),
				OutputTokens:    sr.partialOut,
			})
			fw.WriteFrame(FrameStreamStart, o.startFrame(p, name))
			return fw.WriteFrame(FrameError, ErrorFrame{Code: CodePostGuardBlock, Message: refusalText})
		}

		if sr.midBlock {
			o.commitStream(ctx, res, sr)
			o.tracker.Observe(name, sr.latencyMs, true, "")
			o.met.Blocked.WithLabelValues("post_guard").Inc()
			o.bus.Publish(events.Event{Type: events.EventGuardBlock, RequestID: p.id, Provider: name, Stage: "post_guard"})
			o.emitAudit(ctx, p, req, audit.Record{
				Provider: name, Tier: string(d.Tier), Reason: cand.Reason,
				CandidatesTried: tried, Escalated: escalationQueued, FallbackDepth: depth,
				FinishReason:    string(providers.FinishFiltered),
				PostGuardAction: string(guard.ActionBlock),
				OutputTokens:    sr.partialOut,
			})
			return fw.WriteFrame(FrameError, ErrorFrame{Code: CodePostGuardBlock, Message: refusalText})
		}

		// Clean completion.
		return o.finishStream(ctx, p, req, cand, sr, res, fw, tried, depth, escalationQueued)
	}

	var resp *Response
	if budgetDenied {
		resp = o.budgetExhausted(ctx, p, req, tried)
	} else {
		resp = o.noProviders(ctx, p, req, tried)
	}
	fw.WriteFrame(FrameStreamStart, o.startFrame(p, ""))
	return fw.WriteFrame(FrameError, ErrorFrame{Code: resp.Code, Message: resp.Text})
}

// runStream drives a single provider stream: buffer the safety prefix, guard
// it, then forward deltas with periodic re-checks.
func (o *Orchestrator) runStream(ctx context.Context, p *prepared, req Request, prov providers.Provider, cotTokens int, fw FrameWriter) (streamResult, error) {
	var sr streamResult
	d := prov.Descriptor()

	start := o.nowFunc()
	st, err := prov.GenerateStream(ctx, providers.GenRequest{
		ID:              p.id,
		Prompt:          p.prompt,
		Grounding:       p.flags.GroundingRequired,
		CoTBudgetTokens: cotTokens,
	}, providers.Limits{MaxOutputTokens: d.MaxOutputTokens, Deadline: p.deadline})
	if err != nil {
		sr.latencyMs = float64(o.nowFunc().Sub(start).Milliseconds())
		return sr, err
	}
	defer st.Close()

	pctx := guard.PostContext{GroundingRequired: req.Flags.GroundingRequired}
	var acc strings.Builder
	lastCheck := 0

	for {
		ch, rerr := st.Recv()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			sr.latencyMs = float64(o.nowFunc().Sub(start).Milliseconds())
			pe := providers.ClassifyError(prov.Name(), rerr)
			if pe.Kind == providers.KindCancelled {
				sr.cancelled = true
				return sr, nil
			}
			return sr, rerr
		}

		if ch.TextDelta != "" {
			acc.WriteString(ch.TextDelta)
		}
		if ch.PartialOutputTokens > sr.partialOut {
			sr.partialOut = ch.PartialOutputTokens
		}
		if ch.IsFinal {
			sr.outcome = ch.Final
			continue
		}

		if !sr.started {
			if acc.Len() < o.cfg.SafetyPrefixBytes {
				continue
			}
			// Prefix complete: one guard pass before anything is emitted.
			if o.post.Check(acc.String(), pctx).Action == guard.ActionBlock {
				sr.prefixBlock = true
				sr.latencyMs = float64(o.nowFunc().Sub(start).Milliseconds())
				return sr, nil
			}
			sr.started = true
			lastCheck = acc.Len()
			fw.WriteFrame(FrameStreamStart, o.startFrame(p, prov.Name()))
			fw.WriteFrame(FrameChunk, ChunkFrame{TextDelta: acc.String()})
			continue
		}

		fw.WriteFrame(FrameChunk, ChunkFrame{TextDelta: ch.TextDelta})
		if acc.Len()-lastCheck >= o.cfg.CheckpointBytes {
			lastCheck = acc.Len()
			if o.post.Check(acc.String(), pctx).Action == guard.ActionBlock {
				sr.midBlock = true
				sr.latencyMs = float64(o.nowFunc().Sub(start).Milliseconds())
				return sr, nil
			}
		}
	}

	sr.text = acc.String()
	sr.latencyMs = float64(o.nowFunc().Sub(start).Milliseconds())

	if sr.outcome != nil && sr.outcome.FinishReason == providers.FinishCancelled {
		sr.cancelled = true
		return sr, nil
	}

	// Streams shorter than the prefix settle their guard check here.
	if !sr.started {
		if o.post.Check(sr.text, pctx).Action == guard.ActionBlock {
			sr.prefixBlock = true
			return sr, nil
		}
		sr.started = true
		fw.WriteFrame(FrameStreamStart, o.startFrame(p, prov.Name()))
		if sr.text != "" {
			fw.WriteFrame(FrameChunk, ChunkFrame{TextDelta: sr.text})
		}
	}
	return sr, nil
}

// finishStream runs the final PostGuard pass, commits usage, stores the cache
// entry, and writes the terminator frame.
func (o *Orchestrator) finishStream(ctx context.Context, p *prepared, req Request, cand routing.Candidate, sr streamResult, res *budget.Reservation, fw FrameWriter, tried []string, depth int, escalated bool) error {
	name := cand.Provider.Name()
	d := cand.Provider.Descriptor()

	outcome := sr.outcome
	if outcome == nil {
		// The stream ended without totals; reconstruct what we can.
		outcome = &providers.Outcome{
			Text:         sr.text,
			FinishReason: providers.FinishStop,
			Tokens:       providers.Usage{Prompt: p.cls.EstPromptTokens, Output: sr.partialOut},
			Provider:     name,
			Confidence:   providers.EstimateConfidence(sr.text, providers.FinishStop, d.ConfidencePrior),
			CostMicro:    providers.CostMicro(providers.Usage{Prompt: p.cls.EstPromptTokens, Output: sr.partialOut}, d),
		}
	}

	pv := o.post.Check(sr.text, guard.PostContext{GroundingRequired: req.Flags.GroundingRequired})

	o.gov.Commit(ctx, res, int64(outcome.Tokens.Prompt+outcome.Tokens.Output), outcome.CostMicro)
	o.tracker.Observe(name, sr.latencyMs, true, "")

	if pv.Action == guard.ActionBlock {
		o.met.Blocked.WithLabelValues("post_guard").Inc()
		o.emitAudit(ctx, p, req, audit.Record{
			Provider: name, Tier: string(d.Tier), Reason: cand.Reason,
			CandidatesTried: tried, Escalated: escalated, FallbackDepth: depth,
			FinishReason:    string(providers.FinishFiltered),
			PostGuardAction: string(pv.Action),
			Confidence:      outcome.Confidence,
			PromptTokens:    outcome.Tokens.Prompt,
			OutputTokens:    outcome.Tokens.Output,
			CostMicro:       outcome.CostMicro,
		})
		return fw.WriteFrame(FrameError, ErrorFrame{Code: CodePostGuardBlock, Message: refusalText})
	}

	complete := CompleteFrame{
		FinishReason: string(outcome.FinishReason),
		Tokens:       outcome.Tokens,
		CostMicro:    outcome.CostMicro,
		Confidence:   outcome.Confidence,
		PostGuard:    string(pv.Action),
	}
	if pv.Action == guard.ActionRedact {
		// Correction terminator: the client already holds the raw deltas and
		// must substitute the redacted text.
		complete.CorrectedText = pv.Redacted
	}

	if o.cache != nil && pv.Action == guard.ActionPass && outcome.FinishReason == providers.FinishStop {
		if err := o.cache.Store(ctx, p.fp, cache.Entry{
			Text:         sr.text,
			Provider:     name,
			Confidence:   outcome.Confidence,
			PromptTokens: outcome.Tokens.Prompt,
			OutputTokens: outcome.Tokens.Output,
			Grounded:     p.flags.GroundingRequired,
		}); err != nil {
			o.logger.Warn("cache_store_failed", slog.String("request_id", p.id), slog.String("error", err.Error()))
		}
	}

	resp := &Response{
		Provider: name, Tokens: outcome.Tokens, CostMicro: outcome.CostMicro,
		Confidence: outcome.Confidence,
	}
	o.observeSuccess(p, resp, cand.Provider, cand.Reason, escalated)
	o.emitAudit(ctx, p, req, audit.Record{
		Provider: name, Tier: string(d.Tier), Reason: cand.Reason,
		CandidatesTried: tried, Escalated: escalated, FallbackDepth: depth,
		FinishReason:    string(outcome.FinishReason),
		PostGuardAction: string(pv.Action),
		Confidence:      outcome.Confidence,
		PromptTokens:    outcome.Tokens.Prompt,
		OutputTokens:    outcome.Tokens.Output,
		CostMicro:       outcome.CostMicro,
	})
	return fw.WriteFrame(FrameStreamComplete, complete)
}

// streamCancelled settles a cancelled stream: partial deltas already sent are
// kept, actual usage is committed, audit says cancelled.
func (o *Orchestrator) streamCancelled(ctx context.Context, p *prepared, req Request, cand routing.Candidate, sr streamResult, res *budget.Reservation, fw FrameWriter, tried []string) error {
	name := cand.Provider.Name()
	o.commitStream(ctx, res, sr)
	o.bus.Publish(events.Event{Type: events.EventCancelled, RequestID: p.id, Provider: name})
	o.emitAudit(ctx, p, req, audit.Record{
		Provider: name, Tier: string(cand.Provider.Descriptor().Tier),
		CandidatesTried: tried,
		FinishReason:    string(providers.FinishCancelled),
		OutputTokens:    sr.partialOut,
	})
	if !sr.started {
		fw.WriteFrame(FrameStreamStart, o.startFrame(p, name))
	}
	return fw.WriteFrame(FrameStreamComplete, CompleteFrame{
		FinishReason: string(providers.FinishCancelled),
		Tokens:       providers.Usage{Output: sr.partialOut},
	})
}

// commitStream charges a partially consumed stream against its reservation.
func (o *Orchestrator) commitStream(ctx context.Context, res *budget.Reservation, sr streamResult) {
	if res == nil {
		return
	}
	if sr.outcome != nil {
		o.gov.Commit(ctx, res, int64(sr.outcome.Tokens.Prompt+sr.outcome.Tokens.Output), sr.outcome.CostMicro)
		return
	}
	o.gov.Commit(ctx, res, int64(sr.partialOut), 0)
}

// streamFromCache serves the whole request from cache when possible. Returns
// done=true when frames were written (hit) or the request is settled.
func (o *Orchestrator) streamFromCache(ctx context.Context, p *prepared, req Request, fw FrameWriter) (bool, error) {
	resp := o.serveFromCache(ctx, p, req)
	if resp == nil {
		return false, nil
	}
	fw.WriteFrame(FrameCachedResponse, CachedFrame{
		ID:       p.id,
		Text:     resp.Text,
		Provider: resp.Provider,
		Cached:   true,
		Metadata: map[string]any{"confidence": resp.Confidence},
	})
	return true, fw.WriteFrame(FrameStreamComplete, CompleteFrame{
		FinishReason: resp.FinishReason,
		Tokens:       resp.Tokens,
		Confidence:   resp.Confidence,
		PostGuard:    resp.Filters.PostGuard,
	})
}

func (o *Orchestrator) startFrame(p *prepared, provider string) StartFrame {
	return StartFrame{
		ID:       p.id,
		Provider: provider,
		Classification: ClassificationInfo{
			Complexity:      string(p.cls.Complexity),
			EstPromptTokens: p.cls.EstPromptTokens,
			NeedsReasoning:  p.cls.NeedsReasoning,
		},
	}
}
