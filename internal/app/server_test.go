package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	clearEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	cfg.DBDSN = ":memory:"
	cfg.AdminToken = "test-admin-token"
	return cfg
}

func TestNewServerServesHealthz(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rr.Code)
	}
}

func TestNewServerBootstrapsLocalFallback(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/providers", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /providers = %d, want 200", rr.Code)
	}
	var body struct {
		Providers    map[string]json.RawMessage `json:"providers"`
		RouterActive bool                       `json:"router_active"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if _, ok := body.Providers["local-fallback"]; !ok {
		t.Errorf("providers = %v, want local-fallback present", body.Providers)
	}
	if !body.RouterActive {
		t.Error("router_active = false, want true")
	}
}

func TestNewServerAdminGate(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/budget", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin GET = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/budget", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated admin GET = %d, want 200", rr.Code)
	}
}

func TestNewServerRejectsUnhashableAdminToken(t *testing.T) {
	cfg := testConfig(t)
	// bcrypt refuses inputs longer than 72 bytes; that is a config mistake,
	// not a runtime fault.
	cfg.AdminToken = strings.Repeat("a", 80)

	srv, err := NewServer(cfg)
	if err == nil {
		srv.Close()
		t.Fatal("expected error for oversized admin token")
	}
	if !errors.Is(err, ErrConfigInit) {
		t.Fatalf("error class = %v, want ErrConfigInit", err)
	}
}

func TestServerChatRoundTrip(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"prompt":"hello there"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /v1/chat = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Text     string `json:"text"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if resp.Provider != "local-fallback" {
		t.Errorf("provider = %q, want local-fallback", resp.Provider)
	}
	if resp.Text == "" {
		t.Error("empty response text")
	}
}

func TestServerReloadAppliesThresholds(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	cfg := testConfig(t)
	cfg.ConfThreshold = 0.9
	srv.Reload(cfg)

	if got := srv.engine.GetThresholds().ConfThreshold; got != 0.9 {
		t.Errorf("ConfThreshold after Reload = %f, want 0.9", got)
	}
}
