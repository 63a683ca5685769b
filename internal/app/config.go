package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration, read from DSROUTER_-prefixed
// environment variables. Provider descriptors live in a separate YAML file
// (DSROUTER_PROVIDERS_FILE) so they can be hot-reloaded without a restart.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN         string
	ProvidersFile string
	AuditPath     string // JSONL audit sink; empty disables the file sink

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int
	RateLimitBurst int

	// Routing thresholds.
	ConfThreshold    float64
	SupportThreshold float64
	MaxCoTTokens     int
	ForcedOverride   string

	// Budget.
	DailyTokenCap       int64
	DailyCreditCapMicro int64
	BudgetMode          string // hard or warn
	OvershootAllowance  float64
	Timezone            string // day-key boundary, e.g. "UTC", "America/New_York"

	// Circuit breaker.
	CircuitFOpen      int
	CircuitROpen      float64
	CircuitWMs        int
	CircuitSMax       int
	CircuitNMin       int
	CircuitCooldownMs int

	// Pipeline.
	DeadlineMsDefault int
	SafetyPrefixBytes int

	// Cache.
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Tracing.
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:    getEnv("DSROUTER_LISTEN_ADDR", ":8080"),
		LogLevel:      getEnv("DSROUTER_LOG_LEVEL", "info"),
		DBDSN:         getEnv("DSROUTER_DB_DSN", "file:/data/dsrouter.sqlite"),
		ProvidersFile: getEnv("DSROUTER_PROVIDERS_FILE", ""),
		AuditPath:     getEnv("DSROUTER_AUDIT_PATH", ""),

		AdminToken:     getEnv("DSROUTER_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("DSROUTER_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("DSROUTER_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("DSROUTER_RATE_LIMIT_BURST", 120),

		ConfThreshold:    getEnvFloat("DSROUTER_CONF_THRESHOLD", 0.72),
		SupportThreshold: getEnvFloat("DSROUTER_SUPPORT_THRESHOLD", 0.5),
		MaxCoTTokens:     getEnvInt("DSROUTER_MAX_COT_TOKENS", 4096),
		ForcedOverride:   getEnv("DSROUTER_FORCED_OVERRIDE", ""),

		DailyTokenCap:       getEnvInt64("DSROUTER_DAILY_TOKEN_CAP", 0),
		DailyCreditCapMicro: getEnvInt64("DSROUTER_DAILY_CREDIT_CAP_MICRO", 0),
		BudgetMode:          getEnv("DSROUTER_BUDGET_MODE", "hard"),
		OvershootAllowance:  getEnvFloat("DSROUTER_OVERSHOOT_ALLOWANCE", 0.05),
		Timezone:            getEnv("DSROUTER_TIMEZONE", "UTC"),

		CircuitFOpen:      getEnvInt("DSROUTER_CIRCUIT_F_OPEN", 5),
		CircuitROpen:      getEnvFloat("DSROUTER_CIRCUIT_R_OPEN", 0.5),
		CircuitWMs:        getEnvInt("DSROUTER_CIRCUIT_W_MS", 60000),
		CircuitSMax:       getEnvInt("DSROUTER_CIRCUIT_S_MAX", 512),
		CircuitNMin:       getEnvInt("DSROUTER_CIRCUIT_N_MIN", 10),
		CircuitCooldownMs: getEnvInt("DSROUTER_CIRCUIT_COOLDOWN_MS", 30000),

		DeadlineMsDefault: getEnvInt("DSROUTER_DEADLINE_MS_DEFAULT", 60000),
		SafetyPrefixBytes: getEnvInt("DSROUTER_SAFETY_PREFIX_BYTES", 512),

		CacheTTL:        time.Duration(getEnvInt("DSROUTER_CACHE_TTL_SECS", 3600)) * time.Second,
		CacheMaxEntries: getEnvInt("DSROUTER_CACHE_MAX_ENTRIES", 4096),

		OTelEndpoint: getEnv("DSROUTER_OTEL_ENDPOINT", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("DSROUTER_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("DSROUTER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("DSROUTER_CONF_THRESHOLD must be in [0,1], got %f", c.ConfThreshold)
	}
	if c.SupportThreshold < 0 || c.SupportThreshold > 1 {
		return fmt.Errorf("DSROUTER_SUPPORT_THRESHOLD must be in [0,1], got %f", c.SupportThreshold)
	}
	if c.MaxCoTTokens < 0 {
		return fmt.Errorf("DSROUTER_MAX_COT_TOKENS must be >= 0, got %d", c.MaxCoTTokens)
	}
	if c.DailyTokenCap < 0 {
		return fmt.Errorf("DSROUTER_DAILY_TOKEN_CAP must be >= 0, got %d", c.DailyTokenCap)
	}
	if c.DailyCreditCapMicro < 0 {
		return fmt.Errorf("DSROUTER_DAILY_CREDIT_CAP_MICRO must be >= 0, got %d", c.DailyCreditCapMicro)
	}
	if c.BudgetMode != "hard" && c.BudgetMode != "warn" {
		return fmt.Errorf("DSROUTER_BUDGET_MODE must be hard or warn, got %q", c.BudgetMode)
	}
	if c.OvershootAllowance < 0 {
		return fmt.Errorf("DSROUTER_OVERSHOOT_ALLOWANCE must be >= 0, got %f", c.OvershootAllowance)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("DSROUTER_TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.CircuitFOpen <= 0 {
		return fmt.Errorf("DSROUTER_CIRCUIT_F_OPEN must be > 0, got %d", c.CircuitFOpen)
	}
	if c.CircuitROpen <= 0 || c.CircuitROpen > 1 {
		return fmt.Errorf("DSROUTER_CIRCUIT_R_OPEN must be in (0,1], got %f", c.CircuitROpen)
	}
	if c.CircuitWMs <= 0 || c.CircuitSMax <= 0 || c.CircuitNMin <= 0 || c.CircuitCooldownMs <= 0 {
		return fmt.Errorf("circuit window/sample/cooldown settings must be > 0")
	}
	if c.DeadlineMsDefault <= 0 {
		return fmt.Errorf("DSROUTER_DEADLINE_MS_DEFAULT must be > 0, got %d", c.DeadlineMsDefault)
	}
	if c.SafetyPrefixBytes <= 0 {
		return fmt.Errorf("DSROUTER_SAFETY_PREFIX_BYTES must be > 0, got %d", c.SafetyPrefixBytes)
	}
	return nil
}

// Location resolves the configured timezone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
