package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dawsonblock/dsrouter/internal/store"
)

func TestEmitWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := New(nil, WithWriter(&buf), WithNowFunc(func() time.Time { return fixed }))

	r.Emit(context.Background(), Record{
		RequestID:      "req-1",
		FingerprintHex: "abcd1234",
		Complexity:     "complex",
		RiskFlags:      []string{"pii_suspected"},
		PreGuardAction: "sanitize",
		Provider:       "reasoning-1",
		Tier:           "reasoning",
		Reason:         "complex_query",
		FinishReason:   "stop",
		Confidence:     0.88,
		PromptTokens:   120,
		OutputTokens:   480,
		CostMicro:      9600,
		LatencyMs:      2100,
	})
	r.Emit(context.Background(), Record{RequestID: "req-2", FinishReason: "cancelled"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if rec.RequestID != "req-1" || rec.Provider != "reasoning-1" || rec.Confidence != 0.88 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp = %v, want %v", rec.Timestamp, fixed)
	}
	if len(rec.RiskFlags) != 1 || rec.RiskFlags[0] != "pii_suspected" {
		t.Fatalf("risk flags = %v", rec.RiskFlags)
	}
}

func TestEmitMirrorsToStore(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := New(nil, WithStore(st))
	r.Emit(context.Background(), Record{
		RequestID:       "req-9",
		FingerprintHex:  "feed",
		Complexity:      "hard",
		RiskFlags:       []string{"injection_suspected", "pii_suspected"},
		Provider:        "advanced-1",
		Tier:            "advanced",
		Escalated:       true,
		FinishReason:    "stop",
		PostGuardAction: "redact",
		Confidence:      0.95,
		CacheHit:        false,
	})

	rows, err := st.ListDecisions(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 decision row, got %d", len(rows))
	}
	got := rows[0]
	if got.RequestID != "req-9" || !got.Escalated || got.PostGuard != "redact" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.RiskFlags != "injection_suspected,pii_suspected" {
		t.Fatalf("risk flags = %q", got.RiskFlags)
	}
}

func TestEmitNoSinksIsNoOp(t *testing.T) {
	r := New(nil)
	// Must not panic with no sinks configured.
	r.Emit(context.Background(), Record{RequestID: "req-0"})
}

func TestEmitPreservesExplicitTimestamp(t *testing.T) {
	var buf bytes.Buffer
	r := New(nil, WithWriter(&buf))

	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.Emit(context.Background(), Record{RequestID: "req-ts", Timestamp: want})

	var rec Record
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if !rec.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", rec.Timestamp, want)
	}
}
