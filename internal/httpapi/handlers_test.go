package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/dawsonblock/dsrouter/internal/audit"
	"github.com/dawsonblock/dsrouter/internal/budget"
	"github.com/dawsonblock/dsrouter/internal/events"
	"github.com/dawsonblock/dsrouter/internal/health"
	"github.com/dawsonblock/dsrouter/internal/metrics"
	"github.com/dawsonblock/dsrouter/internal/pipeline"
	"github.com/dawsonblock/dsrouter/internal/providers"
	"github.com/dawsonblock/dsrouter/internal/routing"
	"github.com/dawsonblock/dsrouter/internal/store"
)

// fakeProvider serves one canned outcome on both transports.
type fakeProvider struct {
	desc providers.Descriptor
	text string
}

func newFake(name string, tier providers.Tier, text string) *fakeProvider {
	return &fakeProvider{
		desc: providers.Descriptor{
			Name: name, Tier: tier, SupportsStreaming: true,
			CostPer1KPrompt: 1, CostPer1KOutput: 2, MaxOutputTokens: 2048,
			ConfidencePrior: 0.85,
		},
		text: text,
	}
}

func (f *fakeProvider) Name() string                     { return f.desc.Name }
func (f *fakeProvider) Descriptor() providers.Descriptor { return f.desc }

func (f *fakeProvider) Generate(context.Context, providers.GenRequest, providers.Limits) (*providers.Outcome, error) {
	return &providers.Outcome{
		Text:         f.text,
		FinishReason: providers.FinishStop,
		Tokens:       providers.Usage{Prompt: 8, Output: len(f.text) / 4},
		Provider:     f.desc.Name,
		Confidence:   0.9,
		CostMicro:    50,
	}, nil
}

func (f *fakeProvider) GenerateStream(ctx context.Context, req providers.GenRequest, limits providers.Limits) (providers.Stream, error) {
	out, _ := f.Generate(ctx, req, limits)
	return &fakeStream{text: f.text, final: out}, nil
}

type fakeStream struct {
	text  string
	final *providers.Outcome
	state int
}

func (s *fakeStream) Recv() (providers.Chunk, error) {
	switch s.state {
	case 0:
		s.state = 1
		return providers.Chunk{TextDelta: s.text, PartialOutputTokens: len(s.text) / 4}, nil
	case 1:
		s.state = 2
		return providers.Chunk{IsFinal: true, Final: s.final}, nil
	default:
		return providers.Chunk{}, io.EOF
	}
}

func (s *fakeStream) Close() error { return nil }

type testEnv struct {
	router chi.Router
	deps   Dependencies
	gov    *budget.Governor
}

func newTestEnv(t *testing.T, bcfg budget.Config, provs ...providers.Provider) *testEnv {
	t.Helper()
	tracker := health.NewTracker(health.TrackerConfig{})
	gov := budget.New(bcfg, nil)
	engine := routing.NewEngine(tracker, gov)
	for _, p := range provs {
		engine.Register(p)
	}

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	orch := pipeline.New(pipeline.Config{SafetyPrefixBytes: 8}, engine, tracker, gov,
		audit.New(nil), metrics.New(), bus, nil)

	cred, err := NewAdminCredential("test-admin-token")
	if err != nil {
		t.Fatal(err)
	}

	deps := Dependencies{
		Orchestrator: orch,
		Engine:       engine,
		Health:       tracker,
		Budget:       gov,
		Store:        st,
		EventBus:     bus,
		Admin:        cred,
	}
	r := chi.NewRouter()
	MountRoutes(r, deps)
	return &testEnv{router: r, deps: deps, gov: gov}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func adminHdr() map[string]string {
	return map[string]string{"X-Admin-Token": "test-admin-token"}
}

func TestChatUnary(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(),
		newFake("fast-1", providers.TierFast, "Paris is the capital of France."))

	rec := e.do(t, http.MethodPost, "/v1/chat", `{"prompt":"capital of france?"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp pipeline.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "fast-1" || resp.Text == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Filters.PreGuard != "allow" || resp.Filters.PostGuard != "pass" {
		t.Fatalf("filters = %+v", resp.Filters)
	}
}

func TestChatBadJSON(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/v1/chat", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.OK || env.Code != CodeValidation {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestChatEmptyPrompt(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/v1/chat", `{"prompt":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestChatBudgetExhausted(t *testing.T) {
	bcfg := budget.DefaultConfig()
	bcfg.DailyTokenCap = 1
	e := newTestEnv(t, bcfg, newFake("fast-1", providers.TierFast, "remote answer"))

	rec := e.do(t, http.MethodPost, "/v1/chat", `{"prompt":"hello"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Code != pipeline.CodeBudgetExhausted {
		t.Fatalf("code = %q", env.Code)
	}
}

// sseEvents parses "event:"/"data:" pairs from an SSE body.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func TestChatStreamFrames(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(),
		newFake("fast-1", providers.TierFast, "a streamed answer long enough to clear the safety prefix"))

	rec := e.do(t, http.MethodPost, "/v1/chat", `{"prompt":"stream it","flags":{"stream":true}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	names := sseEvents(t, rec.Body.String())
	if len(names) < 2 {
		t.Fatalf("events = %v", names)
	}
	if names[0] != pipeline.FrameStreamStart {
		t.Fatalf("first event = %q", names[0])
	}
	if last := names[len(names)-1]; last != pipeline.FrameStreamComplete {
		t.Fatalf("terminator = %q", last)
	}
}

func TestStopUnknownID(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/v1/chat/nope/stop", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminAuthRequired(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodGet, "/admin/v1/budget", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/admin/v1/budget", "", map[string]string{"X-Admin-Token": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/admin/v1/budget", "", adminHdr())
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAdminAuthBearer(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodGet, "/admin/v1/budget", "",
		map[string]string{"Authorization": "Bearer test-admin-token"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSetThresholdsPartialUpdate(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/admin/v1/router/set-thresholds",
		`{"conf_threshold":0.9}`, adminHdr())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Current routing.Thresholds `json:"current_thresholds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Current.ConfThreshold != 0.9 {
		t.Fatalf("conf_threshold = %v", out.Current.ConfThreshold)
	}
	// Omitted fields keep their previous values.
	if out.Current.SupportThreshold != routing.DefaultThresholds().SupportThreshold {
		t.Fatalf("support_threshold = %v", out.Current.SupportThreshold)
	}
	if got := e.deps.Engine.GetThresholds().ConfThreshold; got != 0.9 {
		t.Fatalf("engine threshold = %v", got)
	}
}

func TestSetThresholdsRejectsOutOfRange(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/admin/v1/router/set-thresholds",
		`{"conf_threshold":1.5}`, adminHdr())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestForcedOverrideUnknownProvider(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/admin/v1/router/forced-override",
		`{"provider":"ghost"}`, adminHdr())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestForcedOverrideSetAndClear(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/admin/v1/router/forced-override",
		`{"provider":"fast-1"}`, adminHdr())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := e.deps.Engine.GetThresholds().ForcedOverride; got != "fast-1" {
		t.Fatalf("override = %q", got)
	}

	rec = e.do(t, http.MethodPost, "/admin/v1/router/forced-override",
		`{"provider":null}`, adminHdr())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := e.deps.Engine.GetThresholds().ForcedOverride; got != "" {
		t.Fatalf("override = %q", got)
	}
}

func TestBudgetResetLogsAdminAction(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/admin/v1/budget/reset", "", adminHdr())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "budget_reset" {
		t.Fatalf("body = %v", out)
	}

	rec = e.do(t, http.MethodGet, "/admin/v1/actions", "", adminHdr())
	var actions struct {
		Actions []store.AdminActionRecord `json:"actions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &actions); err != nil {
		t.Fatal(err)
	}
	if len(actions.Actions) != 1 || actions.Actions[0].Action != "budget.reset" {
		t.Fatalf("actions = %+v", actions.Actions)
	}
}

func TestReloadNotConfigured(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodPost, "/admin/v1/router/reload-secrets", "", adminHdr())
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReloadConfigured(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))
	called := false
	e.deps.ReloadSecrets = func(context.Context) error { called = true; return nil }
	r := chi.NewRouter()
	MountRoutes(r, e.deps)
	e.router = r

	rec := e.do(t, http.MethodPost, "/admin/v1/router/reload-secrets", "", adminHdr())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !called {
		t.Fatal("reload hook was not invoked")
	}
}

func TestProvidersStatus(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))

	rec := e.do(t, http.MethodGet, "/providers", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Providers    map[string]providerStatus `json:"providers"`
		RouterActive bool                      `json:"router_active"`
		Timestamp    string                    `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	ps, ok := out.Providers["fast-1"]
	if !ok {
		t.Fatalf("providers = %v", out.Providers)
	}
	if ps.Tier != "fast" || ps.CircuitState != "closed" || ps.Status != "available" {
		t.Fatalf("provider status = %+v", ps)
	}
	if !out.RouterActive || out.Timestamp == "" {
		t.Fatalf("out = %+v", out)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "x"))
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	empty := newTestEnv(t, budget.DefaultConfig())
	rec = empty.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDecisionsListedAfterChat(t *testing.T) {
	e := newTestEnv(t, budget.DefaultConfig(), newFake("fast-1", providers.TierFast, "a perfectly good answer"))
	// Wire the audit recorder to the store so decisions land in sqlite.
	orch := pipeline.New(pipeline.Config{}, e.deps.Engine, e.deps.Health, e.gov,
		audit.New(nil, audit.WithStore(e.deps.Store)), metrics.New(), e.deps.EventBus, nil)
	e.deps.Orchestrator = orch
	r := chi.NewRouter()
	MountRoutes(r, e.deps)
	e.router = r

	if rec := e.do(t, http.MethodPost, "/v1/chat", `{"prompt":"log me"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}

	rec := e.do(t, http.MethodGet, "/admin/v1/decisions", "", adminHdr())
	var out struct {
		Decisions []store.DecisionRecord `json:"decisions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Decisions) != 1 || out.Decisions[0].Provider != "fast-1" {
		t.Fatalf("decisions = %+v", out.Decisions)
	}
}

func TestCredentialRotate(t *testing.T) {
	cred, err := NewAdminCredential("old")
	if err != nil {
		t.Fatal(err)
	}
	if !cred.Verify("old") || cred.Verify("new") {
		t.Fatal("initial credential state wrong")
	}
	if err := cred.Rotate("new"); err != nil {
		t.Fatal(err)
	}
	if cred.Verify("old") || !cred.Verify("new") {
		t.Fatal("rotation did not take effect")
	}
}

func TestCredentialRejectsEmptyToken(t *testing.T) {
	if _, err := NewAdminCredential(""); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	cred, err := NewAdminCredential("keep")
	if err != nil {
		t.Fatal(err)
	}
	if err := cred.Rotate(""); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken on rotate, got %v", err)
	}
	if !cred.Verify("keep") {
		t.Fatal("failed rotation must not clobber the credential")
	}
}
