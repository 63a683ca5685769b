// Package budget enforces daily spend ceilings. Every request reserves an
// estimate before dispatch and commits actuals afterward, so concurrent
// requests cannot collectively overshoot the caps. Credits are tracked in
// micro-units.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dawsonblock/dsrouter/internal/store"
)

// Mode controls what happens when a reservation would exceed a cap.
type Mode string

const (
	// ModeHard denies requests that would exceed a cap.
	ModeHard Mode = "hard"
	// ModeWarn admits them but marks the reservation as over budget.
	ModeWarn Mode = "warn"
)

// Deny reasons carried by DeniedError.
const (
	ReasonTokensCap  = "tokens_cap"
	ReasonCreditsCap = "credits_cap"
)

// DeniedError is returned by Reserve in hard mode when a cap would be
// exceeded.
type DeniedError struct {
	Reason string
	DayKey string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("budget denied (%s) for day %s", e.Reason, e.DayKey)
}

// Config holds the daily ceilings.
type Config struct {
	// DailyTokenCap is the total tokens (prompt + output) allowed per day.
	// Zero means unlimited.
	DailyTokenCap int64
	// DailyCreditCapMicro is the spend ceiling in micro-credits per day.
	// Zero means unlimited.
	DailyCreditCapMicro int64
	// Mode selects hard denial or warn-and-admit.
	Mode Mode
	// OvershootAllowance is the fraction by which a single in-flight
	// reservation may exceed a cap before hard mode denies it. A request
	// whose estimate straddles the ceiling is not rejected outright.
	OvershootAllowance float64
	// Location determines the day boundary for the day key.
	Location *time.Location
}

// DefaultConfig returns hard-mode defaults in UTC with a 5% allowance.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeHard,
		OvershootAllowance: 0.05,
		Location:           time.UTC,
	}
}

// Reservation is a claim against today's budget, held until Commit or
// Release.
type Reservation struct {
	id           int64
	DayKey       string
	Tokens       int64
	CreditsMicro int64
	// Warned is set in warn mode when the reservation pushed usage past a
	// cap.
	Warned bool
}

// Snapshot reports current utilization for the admin surface.
type Snapshot struct {
	DayKey              string  `json:"day_key"`
	Mode                string  `json:"mode"`
	TokensUsed          int64   `json:"tokens_used"`
	TokensReserved      int64   `json:"tokens_reserved"`
	DailyTokenCap       int64   `json:"daily_token_cap"`
	CreditsUsedMicro    int64   `json:"credits_used_micro"`
	CreditsReserved     int64   `json:"credits_reserved_micro"`
	DailyCreditCapMicro int64   `json:"daily_credit_cap_micro"`
	TokenUtilization    float64 `json:"token_utilization"`
	CreditUtilization   float64 `json:"credit_utilization"`
	Requests            int64   `json:"requests"`
	Denials             int64   `json:"denials"`
}

// Governor serializes all budget operations behind one mutex and persists
// committed usage per day key.
type Governor struct {
	store  store.Store
	onWarn func(dayKey, reason string)

	mu           sync.Mutex
	cfg          Config
	dayKey       string
	tokensUsed   int64
	creditsUsed  int64
	tokensResv   int64
	creditsResv  int64
	requests     int64
	denials      int64
	nextResvID   int64
	reservations map[int64]*Reservation

	nowFunc func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithOnWarn registers a callback fired when warn mode admits a request past
// a cap, or when hard mode denies one.
func WithOnWarn(fn func(dayKey, reason string)) Option {
	return func(g *Governor) { g.onWarn = fn }
}

// WithNowFunc overrides the clock (used by tests).
func WithNowFunc(fn func() time.Time) Option {
	return func(g *Governor) {
		if fn != nil {
			g.nowFunc = fn
		}
	}
}

// New creates a Governor. st may be nil for a memory-only governor (tests,
// ephemeral deployments); day rollover then simply zeroes the counters.
func New(cfg Config, st store.Store, opts ...Option) *Governor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHard
	}
	g := &Governor{
		store:        st,
		cfg:          cfg,
		nowFunc:      time.Now,
		reservations: make(map[int64]*Reservation),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Load restores today's committed usage from the store. Call once at
// startup, before serving.
func (g *Governor) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dayKey = g.dayKeyNow()
	if g.store == nil {
		return nil
	}
	rec, err := g.store.GetBudgetDay(ctx, g.dayKey)
	if err != nil {
		return fmt.Errorf("load budget day: %w", err)
	}
	if rec != nil {
		g.tokensUsed = rec.TokensUsed
		g.creditsUsed = rec.CreditsUsedMicro
		g.requests = rec.Requests
		g.denials = rec.Denials
	}
	return nil
}

// Reserve claims an estimated spend against today's budget. In hard mode it
// returns *DeniedError when the projection exceeds a cap beyond the
// overshoot allowance. In warn mode it always admits and sets Warned.
func (g *Governor) Reserve(ctx context.Context, estTokens, estCreditsMicro int64) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollIfNeededLocked(ctx)

	warned := false
	if reason := g.capExceededLocked(estTokens, estCreditsMicro); reason != "" {
		if g.cfg.Mode == ModeHard {
			g.denials++
			g.persistLocked(ctx)
			if g.onWarn != nil {
				g.onWarn(g.dayKey, reason)
			}
			return nil, &DeniedError{Reason: reason, DayKey: g.dayKey}
		}
		warned = true
		if g.onWarn != nil {
			g.onWarn(g.dayKey, reason)
		}
	}

	g.nextResvID++
	r := &Reservation{
		id:           g.nextResvID,
		DayKey:       g.dayKey,
		Tokens:       estTokens,
		CreditsMicro: estCreditsMicro,
		Warned:       warned,
	}
	g.reservations[r.id] = r
	g.tokensResv += estTokens
	g.creditsResv += estCreditsMicro
	return r, nil
}

// Commit replaces a reservation's estimate with actual usage and persists
// the day's totals. Committing a stale reservation (day rolled over while
// the request ran) charges the current day; the ledger stays monotonic.
func (g *Governor) Commit(ctx context.Context, r *Reservation, actualTokens, actualCreditsMicro int64) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollIfNeededLocked(ctx)

	g.releaseLocked(r)
	g.tokensUsed += actualTokens
	g.creditsUsed += actualCreditsMicro
	g.requests++
	g.persistLocked(ctx)
}

// Release drops a reservation without charging anything. Used when a request
// fails before any provider consumed tokens.
func (g *Governor) Release(r *Reservation) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(r)
}

// ResetDay zeroes today's counters. Outstanding reservations survive; admin
// resets do not retroactively un-reserve in-flight requests.
func (g *Governor) ResetDay(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dayKey = g.dayKeyNow()
	g.tokensUsed = 0
	g.creditsUsed = 0
	g.requests = 0
	g.denials = 0
	g.persistLocked(ctx)
}

// Rollover advances to the current day key, persisting the finished day
// first. Wired to a daily cron job; also happens lazily on Reserve/Commit so
// a stalled scheduler cannot stretch a day.
func (g *Governor) Rollover(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollIfNeededLocked(ctx)
}

// SetMode swaps the enforcement mode at runtime.
func (g *Governor) SetMode(m Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m == ModeHard || m == ModeWarn {
		g.cfg.Mode = m
	}
}

// SetCaps swaps the daily ceilings at runtime. Negative values leave the
// current cap unchanged.
func (g *Governor) SetCaps(tokenCap, creditCapMicro int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tokenCap >= 0 {
		g.cfg.DailyTokenCap = tokenCap
	}
	if creditCapMicro >= 0 {
		g.cfg.DailyCreditCapMicro = creditCapMicro
	}
}

// WouldDeny reports the deny reason a hard-mode Reserve of the given
// estimate would return right now, or "" if it would be granted. Warn mode
// never denies. Used by routing to gate candidates without reserving.
func (g *Governor) WouldDeny(estTokens, estCreditsMicro int64) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.Mode != ModeHard {
		return ""
	}
	return g.capExceededLocked(estTokens, estCreditsMicro)
}

// GetSnapshot returns current utilization.
func (g *Governor) GetSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		DayKey:              g.dayKey,
		Mode:                string(g.cfg.Mode),
		TokensUsed:          g.tokensUsed,
		TokensReserved:      g.tokensResv,
		DailyTokenCap:       g.cfg.DailyTokenCap,
		CreditsUsedMicro:    g.creditsUsed,
		CreditsReserved:     g.creditsResv,
		DailyCreditCapMicro: g.cfg.DailyCreditCapMicro,
		Requests:            g.requests,
		Denials:             g.denials,
	}
	if g.cfg.DailyTokenCap > 0 {
		s.TokenUtilization = float64(g.tokensUsed+g.tokensResv) / float64(g.cfg.DailyTokenCap)
	}
	if g.cfg.DailyCreditCapMicro > 0 {
		s.CreditUtilization = float64(g.creditsUsed+g.creditsResv) / float64(g.cfg.DailyCreditCapMicro)
	}
	return s
}

// capExceededLocked returns the deny reason if the projected totals break a
// cap, or "" when within budget. Committed usage already past a cap is
// terminal for the day; the overshoot allowance only lets the reservation
// that straddles the ceiling through. Caller must hold g.mu.
func (g *Governor) capExceededLocked(estTokens, estCreditsMicro int64) string {
	allow := 1 + g.cfg.OvershootAllowance
	if cap := g.cfg.DailyTokenCap; cap > 0 {
		if g.tokensUsed > cap {
			return ReasonTokensCap
		}
		if float64(g.tokensUsed+g.tokensResv+estTokens) > float64(cap)*allow {
			return ReasonTokensCap
		}
	}
	if cap := g.cfg.DailyCreditCapMicro; cap > 0 {
		if g.creditsUsed > cap {
			return ReasonCreditsCap
		}
		if float64(g.creditsUsed+g.creditsResv+estCreditsMicro) > float64(cap)*allow {
			return ReasonCreditsCap
		}
	}
	return ""
}

// releaseLocked removes a reservation from the in-flight totals. Safe to
// call twice; the second call is a no-op. Caller must hold g.mu.
func (g *Governor) releaseLocked(r *Reservation) {
	if _, ok := g.reservations[r.id]; !ok {
		return
	}
	delete(g.reservations, r.id)
	g.tokensResv -= r.Tokens
	g.creditsResv -= r.CreditsMicro
}

// rollIfNeededLocked starts a fresh ledger when the day key has changed.
// Caller must hold g.mu.
func (g *Governor) rollIfNeededLocked(ctx context.Context) {
	key := g.dayKeyNow()
	if key == g.dayKey {
		return
	}
	g.persistLocked(ctx)
	g.dayKey = key
	g.tokensUsed = 0
	g.creditsUsed = 0
	g.requests = 0
	g.denials = 0
	g.persistLocked(ctx)
}

// persistLocked writes the current day to the store. Caller must hold g.mu.
func (g *Governor) persistLocked(ctx context.Context) {
	if g.store == nil || g.dayKey == "" {
		return
	}
	// Persistence failures must not fail the request path; the in-memory
	// ledger remains authoritative until the next successful write.
	_ = g.store.SaveBudgetDay(ctx, store.BudgetDayRecord{
		DayKey:           g.dayKey,
		TokensUsed:       g.tokensUsed,
		CreditsUsedMicro: g.creditsUsed,
		Requests:         g.requests,
		Denials:          g.denials,
		UpdatedAt:        g.nowFunc(),
	})
}

func (g *Governor) dayKeyNow() string {
	return g.nowFunc().In(g.cfg.Location).Format("2006-01-02")
}
