// Package providers presents a uniform generation capability over
// heterogeneous backends: remote chat models, remote reasoning models, and a
// local CPU fallback. Adapters translate the provider-agnostic request into
// backend wire calls and normalize results into a Generation Outcome.
package providers

import (
	"context"
	"math"
	"time"
)

// Tier classifies provider capability.
type Tier string

const (
	TierFast      Tier = "fast"
	TierReasoning Tier = "reasoning"
	TierAdvanced  Tier = "advanced"
	TierLocal     Tier = "local"
)

// Descriptor is the static configuration of a provider. Descriptors are set
// at startup and atomically swapped on admin reload; adapters hold a copy.
type Descriptor struct {
	Name              string   `yaml:"name" json:"name"`
	Tier              Tier     `yaml:"tier" json:"tier"`
	Transport         string   `yaml:"transport" json:"transport"` // openai, anthropic, local
	BaseURL           string   `yaml:"base_url" json:"base_url,omitempty"`
	APIKeyEnv         string   `yaml:"api_key_env" json:"-"`
	Model             string   `yaml:"model" json:"model,omitempty"`
	CostPer1KPrompt   float64  `yaml:"cost_per_1k_prompt" json:"cost_per_1k_prompt"`
	CostPer1KOutput   float64  `yaml:"cost_per_1k_output" json:"cost_per_1k_output"`
	MaxOutputTokens   int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	SupportsStreaming bool     `yaml:"supports_streaming" json:"supports_streaming"`
	ConfidencePrior   float64  `yaml:"confidence_prior" json:"confidence_prior"`
	Capabilities      []string `yaml:"capabilities" json:"capabilities,omitempty"`
}

// GenRequest is the provider-agnostic generation request.
type GenRequest struct {
	ID              string
	Prompt          string
	SystemPrompt    string
	Grounding       bool
	CoTBudgetTokens int // reasoning-tier CoT ceiling; 0 = transport default
}

// Limits bound a single provider call.
type Limits struct {
	MaxOutputTokens int
	Deadline        time.Duration
}

// FinishReason reports how generation ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishFiltered  FinishReason = "filtered"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// Usage is the token accounting for a call.
type Usage struct {
	Prompt int `json:"prompt"`
	Output int `json:"output"`
}

// Outcome is the normalized result of a generation call.
type Outcome struct {
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason"`
	Tokens       Usage        `json:"tokens"`
	LatencyMs    int64        `json:"latency_ms"`
	Provider     string       `json:"provider"`
	Confidence   float64      `json:"confidence"`
	CostMicro    int64        `json:"cost_micro"`
}

// Chunk is one element of a streaming generation sequence. The final chunk
// has IsFinal set and carries the Outcome totals. A cancelled stream's final
// chunk carries FinishCancelled with no token totals.
type Chunk struct {
	TextDelta           string
	IsFinal             bool
	PartialOutputTokens int
	Final               *Outcome
}

// Stream is a finite, non-restartable sequence of chunks. Recv returns
// io.EOF after the final chunk. Close releases the underlying transport and
// must be safe to call concurrently with Recv.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is the uniform generation capability.
type Provider interface {
	Name() string
	Descriptor() Descriptor
	Generate(ctx context.Context, req GenRequest, limits Limits) (*Outcome, error)
	GenerateStream(ctx context.Context, req GenRequest, limits Limits) (Stream, error)
}

// CostMicro computes the cost of a call in micro-units, rounded up.
func CostMicro(tokens Usage, d Descriptor) int64 {
	cost := float64(tokens.Prompt)/1000.0*d.CostPer1KPrompt + float64(tokens.Output)/1000.0*d.CostPer1KOutput
	return int64(math.Ceil(cost * 1_000_000))
}

// EstimateTokens estimates the token count of a text (chars/4 heuristic).
func EstimateTokens(text string) int {
	return len(text) / 4
}
