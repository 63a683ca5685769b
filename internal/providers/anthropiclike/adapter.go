// Package anthropiclike adapts Anthropic-style messages backends (the hosted
// reasoning and advanced tiers) to the providers.Provider contract. Reasoning
// models accept a thinking-token budget which the router modulates by
// classification and confidence.
package anthropiclike

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dawsonblock/dsrouter/internal/providers"
)

const apiVersion = "2023-06-01"

// Adapter implements providers.Provider over the Anthropic messages API.
type Adapter struct {
	desc   providers.Descriptor
	apiKey string
	client *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter for the given descriptor and API key.
func New(desc providers.Descriptor, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		desc:   desc,
		apiKey: apiKey,
		client: &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string                     { return a.desc.Name }
func (a *Adapter) Descriptor() providers.Descriptor { return a.desc }

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
}

func (a *Adapter) payload(req providers.GenRequest, limits providers.Limits, stream bool) map[string]any {
	maxTokens := limits.MaxOutputTokens
	if maxTokens <= 0 || (a.desc.MaxOutputTokens > 0 && maxTokens > a.desc.MaxOutputTokens) {
		maxTokens = a.desc.MaxOutputTokens
	}
	p := map[string]any{
		"model":      a.desc.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.SystemPrompt != "" {
		p["system"] = req.SystemPrompt
	}
	if req.CoTBudgetTokens > 0 {
		p["thinking"] = map[string]any{"type": "enabled", "budget_tokens": req.CoTBudgetTokens}
	}
	if stream {
		p["stream"] = true
	}
	return p
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, req providers.GenRequest, limits providers.Limits) (*providers.Outcome, error) {
	if limits.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Deadline)
		defer cancel()
	}

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.desc.BaseURL+"/v1/messages", a.payload(req, limits, false), a.headers())
	if err != nil {
		return nil, providers.ClassifyError(a.desc.Name, err)
	}

	var mr messagesResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, &providers.Error{
			Provider: a.desc.Name,
			Kind:     providers.KindInvalidResponse,
			Err:      fmt.Errorf("decode messages response: %w", err),
		}
	}

	var text strings.Builder
	for _, block := range mr.Content {
		// Thinking blocks are model-internal; only text blocks surface.
		if block.Type == "text" || block.Type == "" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &providers.Error{
			Provider: a.desc.Name,
			Kind:     providers.KindInvalidResponse,
			Err:      fmt.Errorf("response carried no text content"),
		}
	}

	out := &providers.Outcome{
		Text:         text.String(),
		FinishReason: mapStopReason(mr.StopReason),
		Tokens: providers.Usage{
			Prompt: mr.Usage.InputTokens,
			Output: mr.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Provider:  a.desc.Name,
	}
	if out.Tokens.Prompt == 0 {
		out.Tokens.Prompt = providers.EstimateTokens(req.Prompt)
	}
	if out.Tokens.Output == 0 {
		out.Tokens.Output = providers.EstimateTokens(out.Text)
	}
	out.Confidence = providers.EstimateConfidence(out.Text, out.FinishReason, a.desc.ConfidencePrior)
	out.CostMicro = providers.CostMicro(out.Tokens, a.desc)
	return out, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req providers.GenRequest, limits providers.Limits) (providers.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	if limits.Deadline > 0 {
		dctx, dcancel := context.WithTimeout(ctx, limits.Deadline)
		ctx = dctx
		parent := cancel
		cancel = func() { dcancel(); parent() }
	}

	streamClient := &http.Client{Transport: a.client.Transport}
	start := time.Now()
	body, err := providers.DoStreamRequest(ctx, streamClient, a.desc.BaseURL+"/v1/messages", a.payload(req, limits, true), a.headers())
	if err != nil {
		cancel()
		return nil, providers.ClassifyError(a.desc.Name, err)
	}

	return &eventStream{
		adapter:      a,
		body:         body,
		scanner:      bufio.NewScanner(body),
		cancel:       cancel,
		start:        start,
		promptTokens: providers.EstimateTokens(req.Prompt),
	}, nil
}

// eventStream parses Anthropic messages SSE events into providers.Chunks.
type eventStream struct {
	adapter      *Adapter
	body         io.ReadCloser
	scanner      *bufio.Scanner
	cancel       context.CancelFunc
	start        time.Time
	promptTokens int

	mu       sync.Mutex
	closed   bool
	done     bool
	text     strings.Builder
	outputTk int
	finish   providers.FinishReason
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (s *eventStream) Recv() (providers.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return providers.Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
				continue // thinking deltas stay internal
			}
			s.text.WriteString(ev.Delta.Text)
			s.outputTk += providers.EstimateTokens(ev.Delta.Text)
			return providers.Chunk{TextDelta: ev.Delta.Text, PartialOutputTokens: s.outputTk}, nil
		case "message_delta":
			if ev.Delta.StopReason != "" {
				s.finish = mapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
				s.outputTk = ev.Usage.OutputTokens
			}
		case "message_stop":
			return s.finalChunkLocked(), nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return providers.Chunk{}, providers.ClassifyError(s.adapter.desc.Name, err)
	}
	return s.finalChunkLocked(), nil
}

// finalChunkLocked builds the terminating chunk with totals. Caller holds s.mu.
func (s *eventStream) finalChunkLocked() providers.Chunk {
	s.done = true
	desc := s.adapter.desc

	tokens := providers.Usage{Prompt: s.promptTokens, Output: s.outputTk}
	finish := s.finish
	if finish == "" {
		finish = providers.FinishStop
	}
	text := s.text.String()
	out := &providers.Outcome{
		Text:         text,
		FinishReason: finish,
		Tokens:       tokens,
		LatencyMs:    time.Since(s.start).Milliseconds(),
		Provider:     desc.Name,
		Confidence:   providers.EstimateConfidence(text, finish, desc.ConfidencePrior),
		CostMicro:    providers.CostMicro(tokens, desc),
	}
	return providers.Chunk{IsFinal: true, PartialOutputTokens: tokens.Output, Final: out}
}

func (s *eventStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.done = true
	s.mu.Unlock()

	s.cancel()
	return s.body.Close()
}

func mapStopReason(reason string) providers.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "refusal":
		return providers.FinishFiltered
	default:
		return providers.FinishError
	}
}
