package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency. In-memory
	// databases are per-connection, so they must stay on a single conn.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS budget_days (
			day_key TEXT PRIMARY KEY,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			credits_used_micro INTEGER NOT NULL DEFAULT 0,
			requests INTEGER NOT NULL DEFAULT 0,
			denials INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decision_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			request_id TEXT NOT NULL,
			fingerprint_hex TEXT NOT NULL DEFAULT '',
			complexity TEXT NOT NULL DEFAULT '',
			risk_flags TEXT NOT NULL DEFAULT '',
			preguard_action TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT '',
			escalated INTEGER NOT NULL DEFAULT 0,
			fallback_depth INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			postguard_action TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micro INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			deny_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_log_timestamp ON decision_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_log_request ON decision_log(request_id)`,
		`CREATE TABLE IF NOT EXISTS provider_descriptors (
			name TEXT PRIMARY KEY,
			tier TEXT NOT NULL DEFAULT '',
			spec TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_admin_actions_timestamp ON admin_actions(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Budget ledger

func (s *SQLiteStore) GetBudgetDay(ctx context.Context, dayKey string) (*BudgetDayRecord, error) {
	var r BudgetDayRecord
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT day_key, tokens_used, credits_used_micro, requests, denials, updated_at
		 FROM budget_days WHERE day_key = ?`, dayKey).
		Scan(&r.DayKey, &r.TokensUsed, &r.CreditsUsedMicro, &r.Requests, &r.Denials, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &r, nil
}

func (s *SQLiteStore) SaveBudgetDay(ctx context.Context, rec BudgetDayRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_days (day_key, tokens_used, credits_used_micro, requests, denials, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(day_key) DO UPDATE SET
		   tokens_used=excluded.tokens_used,
		   credits_used_micro=excluded.credits_used_micro,
		   requests=excluded.requests,
		   denials=excluded.denials,
		   updated_at=excluded.updated_at`,
		rec.DayKey, rec.TokensUsed, rec.CreditsUsedMicro, rec.Requests, rec.Denials,
		rec.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListBudgetDays(ctx context.Context, limit int) ([]BudgetDayRecord, error) {
	if limit <= 0 {
		limit = 31
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT day_key, tokens_used, credits_used_micro, requests, denials, updated_at
		 FROM budget_days ORDER BY day_key DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []BudgetDayRecord
	for rows.Next() {
		var r BudgetDayRecord
		var updatedAt string
		if err := rows.Scan(&r.DayKey, &r.TokensUsed, &r.CreditsUsedMicro, &r.Requests, &r.Denials, &updatedAt); err != nil {
			return nil, err
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Decision log

func (s *SQLiteStore) LogDecision(ctx context.Context, rec DecisionRecord) error {
	escalated, cacheHit := 0, 0
	if rec.Escalated {
		escalated = 1
	}
	if rec.CacheHit {
		cacheHit = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_log (timestamp, request_id, fingerprint_hex, complexity, risk_flags,
		 preguard_action, provider, tier, escalated, fallback_depth, outcome, postguard_action,
		 confidence, prompt_tokens, output_tokens, cost_micro, latency_ms, cache_hit, deny_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339), rec.RequestID, rec.FingerprintHex,
		rec.Complexity, rec.RiskFlags, rec.PreGuardAction, rec.Provider, rec.Tier,
		escalated, rec.FallbackDepth, rec.Outcome, rec.PostGuard, rec.Confidence,
		rec.PromptTokens, rec.OutputTokens, rec.CostMicro, rec.LatencyMs, cacheHit, rec.DenyReason)
	return err
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, limit int, offset int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, fingerprint_hex, complexity, risk_flags,
		 preguard_action, provider, tier, escalated, fallback_depth, outcome, postguard_action,
		 confidence, prompt_tokens, output_tokens, cost_micro, latency_ms, cache_hit, deny_reason
		 FROM decision_log ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []DecisionRecord
	for rows.Next() {
		var r DecisionRecord
		var ts string
		var escalated, cacheHit int
		if err := rows.Scan(&r.ID, &ts, &r.RequestID, &r.FingerprintHex, &r.Complexity, &r.RiskFlags,
			&r.PreGuardAction, &r.Provider, &r.Tier, &escalated, &r.FallbackDepth, &r.Outcome, &r.PostGuard,
			&r.Confidence, &r.PromptTokens, &r.OutputTokens, &r.CostMicro, &r.LatencyMs, &cacheHit, &r.DenyReason); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		r.Escalated = escalated != 0
		r.CacheHit = cacheHit != 0
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Provider descriptors

func (s *SQLiteStore) UpsertDescriptor(ctx context.Context, rec DescriptorRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_descriptors (name, tier, spec, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   tier=excluded.tier,
		   spec=excluded.spec,
		   updated_at=excluded.updated_at`,
		rec.Name, rec.Tier, rec.Spec, rec.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListDescriptors(ctx context.Context) ([]DescriptorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, tier, spec, updated_at FROM provider_descriptors ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []DescriptorRecord
	for rows.Next() {
		var r DescriptorRecord
		var updatedAt string
		if err := rows.Scan(&r.Name, &r.Tier, &r.Spec, &updatedAt); err != nil {
			return nil, err
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) DeleteDescriptor(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provider_descriptors WHERE name = ?`, name)
	return err
}

// Admin actions

func (s *SQLiteStore) LogAdminAction(ctx context.Context, rec AdminActionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_actions (timestamp, action, detail, request_id)
		 VALUES (?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339), rec.Action, rec.Detail, rec.RequestID)
	return err
}

func (s *SQLiteStore) ListAdminActions(ctx context.Context, limit int, offset int) ([]AdminActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, detail, request_id
		 FROM admin_actions ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []AdminActionRecord
	for rows.Next() {
		var r AdminActionRecord
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.Action, &r.Detail, &r.RequestID); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
