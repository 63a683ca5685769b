// Package openaicompat adapts any OpenAI-compatible chat completion backend
// (hosted fast-tier models, vLLM deployments) to the providers.Provider
// contract.
package openaicompat

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

// Adapter implements providers.Provider over the OpenAI chat completions API.
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
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func (a *Adapter) payload(req providers.GenRequest, limits providers.Limits, stream bool) map[string]any {
	messages := []map[string]string{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	maxTokens := limits.MaxOutputTokens
	if maxTokens <= 0 || (a.desc.MaxOutputTokens > 0 && maxTokens > a.desc.MaxOutputTokens) {
		maxTokens = a.desc.MaxOutputTokens
	}
	p := map[string]any{
		"model":      a.desc.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if stream {
		p["stream"] = true
		p["stream_options"] = map[string]any{"include_usage": true}
	}
	return p
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	// Non-standard self-reported score; some gateways attach one.
	Confidence *float64 `json:"confidence,omitempty"`
}

func (a *Adapter) Generate(ctx context.Context, req providers.GenRequest, limits providers.Limits) (*providers.Outcome, error) {
	if limits.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Deadline)
		defer cancel()
	}

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.desc.BaseURL+"/v1/chat/completions", a.payload(req, limits, false), a.headers())
	if err != nil {
		return nil, providers.ClassifyError(a.desc.Name, err)
	}

	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil || len(cr.Choices) == 0 {
		return nil, &providers.Error{
			Provider: a.desc.Name,
			Kind:     providers.KindInvalidResponse,
			Err:      fmt.Errorf("decode completion: %w", errOr(err)),
		}
	}

	out := &providers.Outcome{
		Text:         cr.Choices[0].Message.Content,
		FinishReason: mapFinish(cr.Choices[0].FinishReason),
		Tokens: providers.Usage{
			Prompt: cr.Usage.PromptTokens,
			Output: cr.Usage.CompletionTokens,
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
	if cr.Confidence != nil {
		out.Confidence = *cr.Confidence
	} else {
		out.Confidence = providers.EstimateConfidence(out.Text, out.FinishReason, a.desc.ConfidencePrior)
	}
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

	// Streaming calls must not be bounded by the unary client timeout.
	streamClient := &http.Client{Transport: a.client.Transport}
	start := time.Now()
	body, err := providers.DoStreamRequest(ctx, streamClient, a.desc.BaseURL+"/v1/chat/completions", a.payload(req, limits, true), a.headers())
	if err != nil {
		cancel()
		return nil, providers.ClassifyError(a.desc.Name, err)
	}

	return &sseStream{
		adapter:      a,
		body:         body,
		scanner:      bufio.NewScanner(body),
		cancel:       cancel,
		start:        start,
		promptTokens: providers.EstimateTokens(req.Prompt),
	}, nil
}

// sseStream parses OpenAI-style SSE chat deltas into providers.Chunks.
type sseStream struct {
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
	usage    *providers.Usage
	finish   providers.FinishReason
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (s *sseStream) Recv() (providers.Chunk, error) {
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
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return s.finalChunkLocked(), nil
		}

		var d streamDelta
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			continue // skip malformed keep-alive frames
		}
		if d.Usage != nil {
			s.usage = &providers.Usage{Prompt: d.Usage.PromptTokens, Output: d.Usage.CompletionTokens}
		}
		if len(d.Choices) == 0 {
			continue
		}
		if fr := d.Choices[0].FinishReason; fr != nil && *fr != "" {
			s.finish = mapFinish(*fr)
		}
		delta := d.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.text.WriteString(delta)
		s.outputTk += providers.EstimateTokens(delta)
		return providers.Chunk{TextDelta: delta, PartialOutputTokens: s.outputTk}, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return providers.Chunk{}, providers.ClassifyError(s.adapter.desc.Name, err)
	}
	// Stream ended without an explicit [DONE]; treat as completed.
	return s.finalChunkLocked(), nil
}

// finalChunkLocked builds the terminating chunk with totals. Caller holds s.mu.
func (s *sseStream) finalChunkLocked() providers.Chunk {
	s.done = true
	desc := s.adapter.desc

	tokens := providers.Usage{Prompt: s.promptTokens, Output: s.outputTk}
	if s.usage != nil {
		tokens = *s.usage
	}
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

func (s *sseStream) Close() error {
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

func mapFinish(reason string) providers.FinishReason {
	switch reason {
	case "stop", "end_turn":
		return providers.FinishStop
	case "length", "max_tokens":
		return providers.FinishLength
	case "content_filter":
		return providers.FinishFiltered
	case "":
		return providers.FinishStop
	default:
		return providers.FinishError
	}
}

func errOr(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("empty choices")
}
