package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dawsonblock/dsrouter/internal/providers"
)

func testDescriptor(baseURL string) providers.Descriptor {
	return providers.Descriptor{
		Name:              "fast-1",
		Tier:              providers.TierFast,
		Transport:         "openai",
		BaseURL:           baseURL,
		Model:             "test-model",
		CostPer1KPrompt:   0.001,
		CostPer1KOutput:   0.002,
		MaxOutputTokens:   1024,
		SupportsStreaming: true,
		ConfidencePrior:   0.7,
	}
}

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("missing auth header, got %q", got)
		}
		fmt.Fprint(w, `{
			"choices":[{"message":{"content":"Paris."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3}
		}`)
	}))
	defer srv.Close()

	a := New(testDescriptor(srv.URL), "sk-test")
	out, err := a.Generate(context.Background(), providers.GenRequest{Prompt: "capital of France?"}, providers.Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Paris." {
		t.Fatalf("text = %q", out.Text)
	}
	if out.FinishReason != providers.FinishStop {
		t.Fatalf("finish = %s", out.FinishReason)
	}
	if out.Tokens.Prompt != 12 || out.Tokens.Output != 3 {
		t.Fatalf("tokens = %+v", out.Tokens)
	}
	if out.CostMicro <= 0 {
		t.Fatal("expected non-zero cost")
	}
	if out.Confidence <= 0 || out.Confidence > 1 {
		t.Fatalf("confidence = %f", out.Confidence)
	}
}

func TestGenerate_SelfReportedConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"confidence":0.93}`)
	}))
	defer srv.Close()

	a := New(testDescriptor(srv.URL), "sk-test")
	out, err := a.Generate(context.Background(), providers.GenRequest{Prompt: "hi"}, providers.Limits{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Confidence != 0.93 {
		t.Fatalf("self-reported confidence not used: %f", out.Confidence)
	}
}

func TestGenerate_ErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"slow down"}`)
	}))
	defer srv.Close()

	a := New(testDescriptor(srv.URL), "sk-test")
	_, err := a.Generate(context.Background(), providers.GenRequest{Prompt: "hi"}, providers.Limits{})
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T", err)
	}
	if pe.Kind != providers.KindRateLimited || !pe.Retryable {
		t.Fatalf("kind=%s retryable=%v", pe.Kind, pe.Retryable)
	}
}

func TestGenerateStream_Chunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := New(testDescriptor(srv.URL), "sk-test")
	stream, err := a.GenerateStream(context.Background(), providers.GenRequest{Prompt: "hi"}, providers.Limits{})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var text string
	var final *providers.Outcome
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		text += chunk.TextDelta
		if chunk.IsFinal {
			final = chunk.Final
		}
	}
	if text != "Hello" {
		t.Fatalf("streamed text = %q", text)
	}
	if final == nil {
		t.Fatal("missing final chunk")
	}
	if final.Text != "Hello" || final.FinishReason != providers.FinishStop {
		t.Fatalf("final = %+v", final)
	}
	if final.Tokens.Prompt != 5 || final.Tokens.Output != 2 {
		t.Fatalf("final tokens = %+v (want reported usage)", final.Tokens)
	}
}

func TestGenerateStream_RecvAfterFinalReturnsEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := New(testDescriptor(srv.URL), "sk-test")
	stream, err := a.GenerateStream(context.Background(), providers.GenRequest{Prompt: "hi"}, providers.Limits{})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil || !chunk.IsFinal {
		t.Fatalf("first recv: chunk=%+v err=%v", chunk, err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("expected EOF after final, got %v", err)
	}
}
