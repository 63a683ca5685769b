// Package audit emits the per-request decision trail. Every routed request
// produces exactly one Record, written to a JSONL sink and mirrored into the
// sqlite decision log. Records carry the prompt fingerprint, never the prompt.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dawsonblock/dsrouter/internal/store"
)

// Record is one request's full decision trail.
type Record struct {
	RequestID       string    `json:"request_id"`
	Timestamp       time.Time `json:"timestamp"`
	FingerprintHex  string    `json:"fingerprint_hex"`
	Complexity      string    `json:"complexity"`
	RiskFlags       []string  `json:"risk_flags,omitempty"`
	PreGuardAction  string    `json:"preguard_action"`
	Provider        string    `json:"provider"`
	Tier            string    `json:"tier"`
	Reason          string    `json:"reason"`
	CandidatesTried []string  `json:"candidates_tried,omitempty"`
	Escalated       bool      `json:"escalated"`
	FallbackDepth   int       `json:"fallback_depth"`
	FinishReason    string    `json:"finish_reason"`
	PostGuardAction string    `json:"postguard_action,omitempty"`
	Confidence      float64   `json:"confidence"`
	PromptTokens    int       `json:"prompt_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	CostMicro       int64     `json:"cost_micro"`
	LatencyMs       int64     `json:"latency_ms"`
	CacheHit        bool      `json:"cache_hit"`
	DenyReason      string    `json:"deny_reason,omitempty"`
}

// Recorder fans a Record out to its configured sinks. Sink failures are
// logged and swallowed; auditing never fails the request that produced it.
type Recorder struct {
	mu      sync.Mutex
	w       io.Writer
	st      store.Store
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWriter sets the JSONL sink. One JSON object per line.
func WithWriter(w io.Writer) Option {
	return func(r *Recorder) { r.w = w }
}

// WithStore mirrors records into the sqlite decision log.
func WithStore(st store.Store) Option {
	return func(r *Recorder) { r.st = st }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.nowFunc = fn
		}
	}
}

// New creates a Recorder. With no options it is a no-op sink.
func New(logger *slog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{logger: logger, nowFunc: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Emit writes rec to every configured sink. The record's Timestamp is
// assigned here if unset.
func (r *Recorder) Emit(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.nowFunc().UTC()
	}

	if r.w != nil {
		line, err := json.Marshal(rec)
		if err == nil {
			r.mu.Lock()
			_, err = r.w.Write(append(line, '\n'))
			r.mu.Unlock()
		}
		if err != nil {
			r.logger.Error("audit_jsonl_write_failed", slog.String("request_id", rec.RequestID), slog.String("error", err.Error()))
		}
	}

	if r.st != nil {
		if err := r.st.LogDecision(ctx, toDecision(rec)); err != nil {
			r.logger.Error("audit_store_write_failed", slog.String("request_id", rec.RequestID), slog.String("error", err.Error()))
		}
	}
}

// toDecision maps a Record onto the sqlite row shape. The JSONL sink keeps
// the full record; the row keeps the queryable subset.
func toDecision(rec Record) store.DecisionRecord {
	return store.DecisionRecord{
		Timestamp:      rec.Timestamp,
		RequestID:      rec.RequestID,
		FingerprintHex: rec.FingerprintHex,
		Complexity:     rec.Complexity,
		RiskFlags:      strings.Join(rec.RiskFlags, ","),
		PreGuardAction: rec.PreGuardAction,
		Provider:       rec.Provider,
		Tier:           rec.Tier,
		Escalated:      rec.Escalated,
		FallbackDepth:  rec.FallbackDepth,
		Outcome:        rec.FinishReason,
		PostGuard:      rec.PostGuardAction,
		Confidence:     rec.Confidence,
		PromptTokens:   rec.PromptTokens,
		OutputTokens:   rec.OutputTokens,
		CostMicro:      rec.CostMicro,
		LatencyMs:      rec.LatencyMs,
		CacheHit:       rec.CacheHit,
		DenyReason:     rec.DenyReason,
	}
}
