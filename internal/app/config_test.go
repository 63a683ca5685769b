package app

import (
	"os"
	"testing"
)

// clearEnv unsets every DSROUTER_ variable the tests touch so defaults apply.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DSROUTER_LISTEN_ADDR", "DSROUTER_LOG_LEVEL", "DSROUTER_DB_DSN",
		"DSROUTER_CONF_THRESHOLD", "DSROUTER_SUPPORT_THRESHOLD",
		"DSROUTER_MAX_COT_TOKENS", "DSROUTER_FORCED_OVERRIDE",
		"DSROUTER_DAILY_TOKEN_CAP", "DSROUTER_DAILY_CREDIT_CAP_MICRO",
		"DSROUTER_BUDGET_MODE", "DSROUTER_TIMEZONE", "DSROUTER_CORS_ORIGINS",
		"DSROUTER_SAFETY_PREFIX_BYTES", "DSROUTER_CIRCUIT_F_OPEN",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBDSN != "file:/data/dsrouter.sqlite" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "file:/data/dsrouter.sqlite")
	}
	if cfg.ConfThreshold != 0.72 {
		t.Errorf("ConfThreshold = %f, want 0.72", cfg.ConfThreshold)
	}
	if cfg.SupportThreshold != 0.5 {
		t.Errorf("SupportThreshold = %f, want 0.5", cfg.SupportThreshold)
	}
	if cfg.MaxCoTTokens != 4096 {
		t.Errorf("MaxCoTTokens = %d, want 4096", cfg.MaxCoTTokens)
	}
	if cfg.BudgetMode != "hard" {
		t.Errorf("BudgetMode = %q, want %q", cfg.BudgetMode, "hard")
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want %q", cfg.Timezone, "UTC")
	}
	if cfg.DailyTokenCap != 0 {
		t.Errorf("DailyTokenCap = %d, want 0 (unlimited)", cfg.DailyTokenCap)
	}
	if cfg.SafetyPrefixBytes != 512 {
		t.Errorf("SafetyPrefixBytes = %d, want 512", cfg.SafetyPrefixBytes)
	}
	if cfg.CircuitFOpen != 5 {
		t.Errorf("CircuitFOpen = %d, want 5", cfg.CircuitFOpen)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DSROUTER_LISTEN_ADDR", ":9090")
	t.Setenv("DSROUTER_LOG_LEVEL", "debug")
	t.Setenv("DSROUTER_CONF_THRESHOLD", "0.85")
	t.Setenv("DSROUTER_MAX_COT_TOKENS", "2048")
	t.Setenv("DSROUTER_DAILY_TOKEN_CAP", "1000000")
	t.Setenv("DSROUTER_BUDGET_MODE", "warn")
	t.Setenv("DSROUTER_TIMEZONE", "America/New_York")
	t.Setenv("DSROUTER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DSROUTER_FORCED_OVERRIDE", "gpt-fast")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.ConfThreshold != 0.85 {
		t.Errorf("ConfThreshold = %f, want 0.85", cfg.ConfThreshold)
	}
	if cfg.MaxCoTTokens != 2048 {
		t.Errorf("MaxCoTTokens = %d, want 2048", cfg.MaxCoTTokens)
	}
	if cfg.DailyTokenCap != 1000000 {
		t.Errorf("DailyTokenCap = %d, want 1000000", cfg.DailyTokenCap)
	}
	if cfg.BudgetMode != "warn" {
		t.Errorf("BudgetMode = %q, want %q", cfg.BudgetMode, "warn")
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q, want %q", cfg.Timezone, "America/New_York")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v, want two trimmed origins", cfg.CORSOrigins)
	}
	if cfg.ForcedOverride != "gpt-fast" {
		t.Errorf("ForcedOverride = %q, want %q", cfg.ForcedOverride, "gpt-fast")
	}
}

func TestLoadConfigInvalidEnvFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DSROUTER_CONF_THRESHOLD", "notafloat")
	t.Setenv("DSROUTER_MAX_COT_TOKENS", "notanint")
	t.Setenv("DSROUTER_DAILY_TOKEN_CAP", "notanint64")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ConfThreshold != 0.72 {
		t.Errorf("ConfThreshold = %f, want default 0.72", cfg.ConfThreshold)
	}
	if cfg.MaxCoTTokens != 4096 {
		t.Errorf("MaxCoTTokens = %d, want default 4096", cfg.MaxCoTTokens)
	}
	if cfg.DailyTokenCap != 0 {
		t.Errorf("DailyTokenCap = %d, want default 0", cfg.DailyTokenCap)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		clearEnv(t)
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"conf threshold above one", func(c *Config) { c.ConfThreshold = 1.5 }},
		{"negative support threshold", func(c *Config) { c.SupportThreshold = -0.1 }},
		{"negative cot budget", func(c *Config) { c.MaxCoTTokens = -1 }},
		{"bad budget mode", func(c *Config) { c.BudgetMode = "soft" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"zero rate limit", func(c *Config) { c.RateLimitRPS = 0 }},
		{"zero circuit threshold", func(c *Config) { c.CircuitFOpen = 0 }},
		{"circuit rate above one", func(c *Config) { c.CircuitROpen = 1.2 }},
		{"zero deadline", func(c *Config) { c.DeadlineMsDefault = 0 }},
		{"negative token cap", func(c *Config) { c.DailyTokenCap = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
		})
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{Timezone: "Mars/Olympus"}
	if loc := cfg.Location(); loc.String() != "UTC" {
		t.Errorf("Location() = %q, want UTC", loc)
	}
}
