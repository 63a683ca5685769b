// Package local implements the CPU fallback provider. It is the terminal
// member of the fallback chain: zero cost, always reachable, and never
// touches the network. Output quality is intentionally modest, which the
// tier's confidence prior reflects.
package local

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dawsonblock/dsrouter/internal/providers"
)

// Adapter implements providers.Provider with a deterministic on-box
// template generator.
type Adapter struct {
	desc providers.Descriptor

	// chunkDelay paces streaming output; tests set it to zero.
	chunkDelay time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithChunkDelay overrides the pacing between streamed chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(a *Adapter) { a.chunkDelay = d }
}

// New creates the local fallback adapter.
func New(desc providers.Descriptor, opts ...Option) *Adapter {
	desc.Tier = providers.TierLocal
	desc.CostPer1KPrompt = 0
	desc.CostPer1KOutput = 0
	desc.SupportsStreaming = true
	a := &Adapter{desc: desc, chunkDelay: 5 * time.Millisecond}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string                     { return a.desc.Name }
func (a *Adapter) Descriptor() providers.Descriptor { return a.desc }

// compose builds the fallback answer. Deterministic for a given prompt.
func (a *Adapter) compose(req providers.GenRequest) string {
	prompt := strings.TrimSpace(req.Prompt)
	switch {
	case prompt == "":
		return "I need a question or instruction to work with."
	case isGreeting(prompt):
		return "Hello! I'm running in reduced-capacity mode right now, but I'm happy to help with what I can."
	default:
		summary := prompt
		if len(summary) > 160 {
			summary = summary[:160] + "…"
		}
		return fmt.Sprintf(
			"I'm currently answering from a limited local model, so this response may lack depth.\n\n"+
				"Regarding your request (%q): I can offer a brief, best-effort answer, but for a thorough "+
				"treatment please retry shortly when full capacity is available.", summary)
	}
}

func isGreeting(p string) bool {
	lower := strings.ToLower(p)
	for _, g := range []string{"hello", "hi ", "hi!", "hi,", "hey", "good morning", "good afternoon", "good evening", "how are you"} {
		if strings.HasPrefix(lower, g) || strings.Contains(lower, g) {
			return true
		}
	}
	return false
}

func (a *Adapter) outcome(req providers.GenRequest, text string, start time.Time) *providers.Outcome {
	tokens := providers.Usage{
		Prompt: providers.EstimateTokens(req.Prompt),
		Output: providers.EstimateTokens(text),
	}
	return &providers.Outcome{
		Text:         text,
		FinishReason: providers.FinishStop,
		Tokens:       tokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		Provider:     a.desc.Name,
		Confidence:   providers.EstimateConfidence(text, providers.FinishStop, a.desc.ConfidencePrior),
		CostMicro:    0,
	}
}

func (a *Adapter) Generate(ctx context.Context, req providers.GenRequest, _ providers.Limits) (*providers.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, providers.ClassifyError(a.desc.Name, err)
	}
	start := time.Now()
	return a.outcome(req, a.compose(req), start), nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req providers.GenRequest, _ providers.Limits) (providers.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, providers.ClassifyError(a.desc.Name, err)
	}
	start := time.Now()
	text := a.compose(req)
	return &wordStream{
		adapter: a,
		ctx:     ctx,
		req:     req,
		words:   strings.SplitAfter(text, " "),
		start:   start,
	}, nil
}

// wordStream emits the composed answer word by word.
type wordStream struct {
	adapter *Adapter
	ctx     context.Context
	req     providers.GenRequest
	words   []string
	start   time.Time

	mu     sync.Mutex
	pos    int
	tokens int
	text   strings.Builder
	done   bool
}

func (w *wordStream) Recv() (providers.Chunk, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return providers.Chunk{}, io.EOF
	}
	if err := w.ctx.Err(); err != nil {
		w.done = true
		return providers.Chunk{}, providers.ClassifyError(w.adapter.desc.Name, err)
	}

	if w.pos >= len(w.words) {
		w.done = true
		out := w.adapter.outcome(w.req, w.text.String(), w.start)
		return providers.Chunk{IsFinal: true, PartialOutputTokens: out.Tokens.Output, Final: out}, nil
	}

	if w.adapter.chunkDelay > 0 {
		select {
		case <-w.ctx.Done():
			w.done = true
			return providers.Chunk{}, providers.ClassifyError(w.adapter.desc.Name, w.ctx.Err())
		case <-time.After(w.adapter.chunkDelay):
		}
	}

	delta := w.words[w.pos]
	w.pos++
	w.text.WriteString(delta)
	w.tokens += providers.EstimateTokens(delta)
	return providers.Chunk{TextDelta: delta, PartialOutputTokens: w.tokens}, nil
}

func (w *wordStream) Close() error {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	return nil
}
