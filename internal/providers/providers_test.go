package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCostMicro_RoundsUp(t *testing.T) {
	d := Descriptor{CostPer1KPrompt: 0.01, CostPer1KOutput: 0.03}
	// 100 prompt + 100 output = 0.001 + 0.003 = 0.004 → 4000 micro.
	if got := CostMicro(Usage{Prompt: 100, Output: 100}, d); got != 4000 {
		t.Fatalf("CostMicro = %d, want 4000", got)
	}
	// 1 output token at 0.03/1k = 0.00003 → 30 micro exactly.
	if got := CostMicro(Usage{Output: 1}, d); got != 30 {
		t.Fatalf("CostMicro = %d, want 30", got)
	}
	// Fractional micro rounds up, never down.
	d2 := Descriptor{CostPer1KOutput: 0.0000015}
	if got := CostMicro(Usage{Output: 1}, d2); got != 1 {
		t.Fatalf("CostMicro = %d, want 1 (rounded up)", got)
	}
}

func TestCostMicro_LocalIsFree(t *testing.T) {
	if got := CostMicro(Usage{Prompt: 10000, Output: 10000}, Descriptor{}); got != 0 {
		t.Fatalf("zero-cost descriptor should cost 0, got %d", got)
	}
}

func TestClassifyError_Statuses(t *testing.T) {
	cases := []struct {
		status    int
		want      ErrorKind
		retryable bool
	}{
		{401, KindAuth, false},
		{403, KindAuth, false},
		{429, KindRateLimited, true},
		{500, KindUnavailable, true},
		{503, KindUnavailable, true},
		{400, KindInvalidResponse, false},
	}
	for _, tc := range cases {
		e := ClassifyError("p", &StatusError{StatusCode: tc.status})
		if e.Kind != tc.want || e.Retryable != tc.retryable {
			t.Errorf("status %d: got (%s, %v), want (%s, %v)", tc.status, e.Kind, e.Retryable, tc.want, tc.retryable)
		}
	}
}

func TestClassifyError_ContextAndTransport(t *testing.T) {
	if e := ClassifyError("p", context.DeadlineExceeded); e.Kind != KindTimeout || !e.Retryable {
		t.Fatalf("deadline: got %s retryable=%v", e.Kind, e.Retryable)
	}
	if e := ClassifyError("p", context.Canceled); e.Kind != KindCancelled {
		t.Fatalf("cancel: got %s", e.Kind)
	}
	if e := ClassifyError("p", errors.New("connection refused")); e.Kind != KindUnavailable {
		t.Fatalf("transport: got %s", e.Kind)
	}
}

func TestClassifyError_RetryAfter(t *testing.T) {
	se := &StatusError{StatusCode: 429}
	se.ParseRetryAfter("7")
	e := ClassifyError("p", se)
	if e.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %v, want 7s", e.RetryAfter)
	}
}

func TestClassifyError_PassesThroughClassified(t *testing.T) {
	orig := &Error{Provider: "p", Kind: KindAuth, Err: errors.New("bad key")}
	if got := ClassifyError("p", orig); got != orig {
		t.Fatal("already-classified error should pass through")
	}
}

func TestError_Permanent(t *testing.T) {
	if !(&Error{Kind: KindAuth}).Permanent() {
		t.Fatal("auth should be permanent")
	}
	if (&Error{Kind: KindTimeout}).Permanent() {
		t.Fatal("timeout should not be permanent")
	}
}

func TestEstimateConfidence_RefusalLowers(t *testing.T) {
	prior := 0.8
	clean := EstimateConfidence("Here is a thorough answer covering the question in several sentences of detail, including examples and caveats that should satisfy the reader completely and then some.", FinishStop, prior)
	refusal := EstimateConfidence("I'm sorry, but I cannot provide that.", FinishStop, prior)
	if refusal >= clean {
		t.Fatalf("refusal (%f) should score below clean (%f)", refusal, clean)
	}
}

func TestEstimateConfidence_Clamped(t *testing.T) {
	if c := EstimateConfidence("", FinishError, 0.1); c < 0 || c > 1 {
		t.Fatalf("confidence %f out of range", c)
	}
	if c := EstimateConfidence("long substantive answer ...", FinishStop, 1.0); c > 1 {
		t.Fatalf("confidence %f above 1", c)
	}
}

func TestEstimateConfidence_TruncationLowers(t *testing.T) {
	text := "A long response body that stops abruptly mid sentence because the token budget ran out and the model could not finish its reasoning about the topic at hand here."
	full := EstimateConfidence(text, FinishStop, 0.7)
	truncated := EstimateConfidence(text, FinishLength, 0.7)
	if truncated >= full {
		t.Fatalf("truncated (%f) should score below full (%f)", truncated, full)
	}
}
