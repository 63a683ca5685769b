package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for dsrouter.
type Store interface {
	// Budget ledger, one row per day key.
	GetBudgetDay(ctx context.Context, dayKey string) (*BudgetDayRecord, error)
	SaveBudgetDay(ctx context.Context, rec BudgetDayRecord) error
	ListBudgetDays(ctx context.Context, limit int) ([]BudgetDayRecord, error)

	// Per-request decision records (audit trail).
	LogDecision(ctx context.Context, rec DecisionRecord) error
	ListDecisions(ctx context.Context, limit int, offset int) ([]DecisionRecord, error)

	// Provider descriptors, mirrored from the descriptor file so the admin
	// surface can inspect what the router last loaded.
	UpsertDescriptor(ctx context.Context, rec DescriptorRecord) error
	ListDescriptors(ctx context.Context) ([]DescriptorRecord, error)
	DeleteDescriptor(ctx context.Context, name string) error

	// Admin mutations audit.
	LogAdminAction(ctx context.Context, rec AdminActionRecord) error
	ListAdminActions(ctx context.Context, limit int, offset int) ([]AdminActionRecord, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// BudgetDayRecord is the persisted spend ledger for a single day key.
// Credits are in micro-units.
type BudgetDayRecord struct {
	DayKey           string    `json:"day_key"`
	TokensUsed       int64     `json:"tokens_used"`
	CreditsUsedMicro int64     `json:"credits_used_micro"`
	Requests         int64     `json:"requests"`
	Denials          int64     `json:"denials"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DecisionRecord captures one routed request for the audit trail. Prompt
// content never appears here; only the redacted fingerprint hash does.
type DecisionRecord struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	FingerprintHex string    `json:"fingerprint_hex"`
	Complexity     string    `json:"complexity"`
	RiskFlags      string    `json:"risk_flags,omitempty"`
	PreGuardAction string    `json:"preguard_action"`
	Provider       string    `json:"provider"`
	Tier           string    `json:"tier"`
	Escalated      bool      `json:"escalated"`
	FallbackDepth  int       `json:"fallback_depth"`
	Outcome        string    `json:"outcome"`
	PostGuard      string    `json:"postguard_action,omitempty"`
	Confidence     float64   `json:"confidence"`
	PromptTokens   int       `json:"prompt_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostMicro      int64     `json:"cost_micro"`
	LatencyMs      int64     `json:"latency_ms"`
	CacheHit       bool      `json:"cache_hit"`
	DenyReason     string    `json:"deny_reason,omitempty"`
}

// DescriptorRecord is the persisted form of one provider descriptor. Spec is
// the descriptor serialized as JSON.
type DescriptorRecord struct {
	Name      string    `json:"name"`
	Tier      string    `json:"tier"`
	Spec      string    `json:"spec"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdminActionRecord captures an admin mutation for the audit trail.
type AdminActionRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`           // e.g. "thresholds.set", "budget.reset"
	Detail    string    `json:"detail,omitempty"` // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"`
}
