package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/app"
	"github.com/eugener/radagast/internal/catalog"
	"github.com/eugener/radagast/internal/circuitbreaker"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/ratelimit"
	"github.com/eugener/radagast/internal/testutil"
)

const testRegistry = `
providers:
  alpha:
    models:
      default: alpha-model
  beta:
    models:
      default: beta-model
defaults:
  provider: alpha
  fallback_chain: [alpha, beta]
`

// captureUsage collects usage records synchronously for assertions.
type captureUsage struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (c *captureUsage) Record(rec gateway.UsageRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *captureUsage) all() []gateway.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.UsageRecord(nil), c.records...)
}

func newTestEngine(t *testing.T, fakes ...*testutil.FakeProvider) (*app.Gateway, *provider.Registry) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(testRegistry), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	provs := provider.NewRegistry()
	for _, f := range fakes {
		provs.Register(f.ProviderName, f)
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 3,
		BaseBackoff:      time.Minute,
		MaxBackoff:       time.Hour,
	})
	return app.New(reg, provs, breakers, nil, slog.New(slog.DiscardHandler)), provs
}

func newTestServer(t *testing.T, deps Deps, fakes ...*testutil.FakeProvider) (http.Handler, *testutil.FakeSessionStore) {
	t.Helper()

	engine, provs := newTestEngine(t, fakes...)
	store := testutil.NewFakeSessionStore()
	if deps.Auth == nil {
		deps.Auth = testutil.FakeAuth{}
	}
	deps.Engine = engine
	deps.Providers = provs
	deps.Sessions = store
	return New(deps), store
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeChat(t *testing.T, w *httptest.ResponseRecorder) chatResponse {
	t.Helper()
	var resp chatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode chat response: %v (body %q)", err, w.Body.String())
	}
	return resp
}

func TestChatRoundTrip(t *testing.T) {
	t.Parallel()

	usage := &captureUsage{}
	h, store := newTestServer(t, Deps{Usage: usage}, &testutil.FakeProvider{ProviderName: "alpha"})

	w := postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeChat(t, w)
	if resp.Content != "hello from alpha" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Provider != "alpha" || resp.Model != "alpha-model" {
		t.Errorf("provider/model = %q/%q", resp.Provider, resp.Model)
	}
	if resp.SessionID == "" {
		t.Fatal("response should carry a session id")
	}

	// The session now holds the user turn and the assistant reply.
	sess, err := store.Load(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.TenantID != "test-tenant" {
		t.Errorf("tenant = %q, want test-tenant", sess.TenantID)
	}
	var state sessionState
	if err := json.Unmarshal(sess.State, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if len(state.Messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(state.Messages))
	}
	if state.Messages[1].Role != gateway.RoleAssistant || state.Messages[1].Content != "hello from alpha" {
		t.Errorf("assistant turn = %+v", state.Messages[1])
	}

	// A follow-up against the same session extends the history.
	w = postJSON(t, h, "/chat", map[string]any{"message": "again", "session_id": resp.SessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decodeChat(t, w).SessionID; got != resp.SessionID {
		t.Errorf("session id changed: %q -> %q", resp.SessionID, got)
	}
	sess, _ = store.Load(context.Background(), resp.SessionID)
	if err := json.Unmarshal(sess.State, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if len(state.Messages) != 4 {
		t.Errorf("messages = %d, want 4 after second turn", len(state.Messages))
	}

	recs := usage.all()
	if len(recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(recs))
	}
	first := recs[0]
	if first.Status != "ok" || first.Provider != "alpha" {
		t.Errorf("usage = %+v", first)
	}
	if first.PromptTokens != 10 || first.CompletionTokens != 5 || first.TotalTokens != 15 {
		t.Errorf("tokens = %d/%d/%d, want 10/5/15", first.PromptTokens, first.CompletionTokens, first.TotalTokens)
	}
	if first.Estimated {
		t.Error("upstream-reported usage must not be marked estimated")
	}
}

func TestChatExplicitMessages(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	w := postJSON(t, h, "/chat", map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestChatMissingMessage(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	w := postJSON(t, h, "/chat", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var e apiError
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Error != "invalid_request" {
		t.Errorf("error = %q, want invalid_request", e.Error)
	}
}

func TestChatMalformedBody(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestChatSessionOfAnotherTenantReadsAsNotFound(t *testing.T) {
	t.Parallel()

	h, store := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	sess := &gateway.Session{ID: "other-sess", TenantID: "other-tenant", CreatedAt: time.Now()}
	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	w := postJSON(t, h, "/chat", map[string]any{"message": "hi", "session_id": "other-sess"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var e apiError
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Error != "session_not_found" {
		t.Errorf("error = %q, want session_not_found (no existence leak)", e.Error)
	}
}

func TestChatEngineErrorMapsToStatus(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeProvider{ProviderName: "alpha"}
	alpha.GenerateFn = func(context.Context, *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
		return nil, gateway.E(gateway.KindContentFilter, "alpha", "blocked")
	}
	usage := &captureUsage{}
	h, _ := newTestServer(t, Deps{Usage: usage}, alpha)

	w := postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	recs := usage.all()
	if len(recs) != 1 || recs[0].Status != string(gateway.KindContentFilter) {
		t.Errorf("usage = %+v, want one record with content_filter status", recs)
	}
}

func TestUnauthorized(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{Auth: testutil.RejectAuth{}}, &testutil.FakeProvider{ProviderName: "alpha"})
	w := postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("Www-Authenticate"); got != "Bearer" {
		t.Errorf("Www-Authenticate = %q, want Bearer", got)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{Enabled: true, PerMinute: 2, PerHour: 100}, ratelimit.NewMemoryStore())
	h, _ := newTestServer(t, Deps{Limiter: limiter}, &testutil.FakeProvider{ProviderName: "alpha"})

	w := postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Ratelimit-Limit"); got != "2" {
		t.Errorf("X-Ratelimit-Limit = %q, want 2", got)
	}
	if got := w.Header().Get("X-Ratelimit-Remaining"); got != "1" {
		t.Errorf("X-Ratelimit-Remaining = %q, want 1", got)
	}
	if w.Header().Get("X-Ratelimit-Reset") == "" {
		t.Error("X-Ratelimit-Reset missing")
	}

	postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	w = postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on denial")
	}
	var e apiError
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Error != "rate_limit_exceeded" || e.RetryAfter <= 0 {
		t.Errorf("body = %+v, want rate_limit_exceeded with retry_after", e)
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	h, store := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	sess := &gateway.Session{ID: "s1", TenantID: "test-tenant", CreatedAt: time.Now()}
	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Session == nil || resp.Session.ID != "s1" {
		t.Errorf("session = %+v, want s1", resp.Session)
	}
}

func TestGetSessionWrongTenant(t *testing.T) {
	t.Parallel()

	h, store := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	sess := &gateway.Session{ID: "s1", TenantID: "other-tenant", CreatedAt: time.Now()}
	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	h, store := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	sess := &gateway.Session{ID: "s1", TenantID: "test-tenant", CreatedAt: time.Now()}
	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/sessions/s1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if store.Len() != 0 {
		t.Error("session should be gone")
	}

	// Deleting again reads as not found.
	req = httptest.NewRequest(http.MethodDelete, "/sessions/s1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 on second delete", w.Code)
	}
}

func TestModels(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{},
		&testutil.FakeProvider{ProviderName: "alpha"},
		&testutil.FakeProvider{ProviderName: "beta"},
	)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp modelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(resp.Providers))
	}
	// Registry listing is sorted by name.
	if resp.Providers[0].Name != "alpha" || resp.Providers[1].Name != "beta" {
		t.Errorf("order = %q %q, want alpha beta", resp.Providers[0].Name, resp.Providers[1].Name)
	}
	if resp.Providers[0].DefaultModel != "fake-model" {
		t.Errorf("default model = %q", resp.Providers[0].DefaultModel)
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	beta := &testutil.FakeProvider{ProviderName: "beta"}
	beta.AvailableFn = func(context.Context) bool { return false }
	h, _ := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"}, beta)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Status    string                   `json:"status"`
		Providers []gateway.ProviderStatus `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy while any provider is up", resp.Status)
	}
	if len(resp.Providers) != 2 {
		t.Errorf("providers = %d, want 2", len(resp.Providers))
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("ready = %d %q, want 200 ok", w.Code, w.Body.String())
	}
}

func TestReadyFailing(t *testing.T) {
	t.Parallel()

	check := func(context.Context) error { return errors.New("database down") }
	h, _ := newTestServer(t, Deps{ReadyCheck: check}, &testutil.FakeProvider{ProviderName: "alpha"})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestLive(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{}, &testutil.FakeProvider{ProviderName: "alpha"})
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header["X-Request-Id"] = []string{"req-123"}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q, want echo of caller's id", got)
	}

	// Without a caller id a fresh one is generated.
	req = httptest.NewRequest(http.MethodGet, "/live", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id should be generated when absent")
	}
}

func TestSystemEndpointsSkipAuth(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{Auth: testutil.RejectAuth{}}, &testutil.FakeProvider{ProviderName: "alpha"})
	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200 without credentials", path, w.Code)
		}
	}
}

func TestRateIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mod  func(r *http.Request)
		want string
	}{
		{
			name: "authenticated tenant wins",
			mod: func(r *http.Request) {
				ctx := gateway.ContextWithIdentity(r.Context(), &gateway.Identity{TenantID: "acme"})
				*r = *r.WithContext(ctx)
			},
			want: "tenant:acme",
		},
		{
			name: "tenant header",
			mod:  func(r *http.Request) { r.Header.Set("X-Tenant-Id", "hinted") },
			want: "tenant:hinted",
		},
		{
			name: "forwarded-for first hop",
			mod:  func(r *http.Request) { r.Header.Set("X-Forwarded-For", "10.1.2.3, 10.0.0.1") },
			want: "ip:10.1.2.3",
		},
		{
			name: "peer address fallback",
			mod:  func(r *http.Request) { r.RemoteAddr = "192.0.2.7:4711" },
			want: "ip:192.0.2.7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/chat", nil)
			tt.mod(r)
			if got := rateIdentity(r); got != tt.want {
				t.Errorf("rateIdentity = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChatFallbackRecordsDepth(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeProvider{ProviderName: "alpha"}
	alpha.GenerateFn = func(context.Context, *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
		return nil, gateway.E(gateway.KindUnavailable, "alpha", "down")
	}
	usage := &captureUsage{}
	h, _ := newTestServer(t, Deps{Usage: usage}, alpha, &testutil.FakeProvider{ProviderName: "beta"})

	w := postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeChat(t, w)
	if resp.Provider != "beta" {
		t.Errorf("provider = %q, want beta", resp.Provider)
	}
	recs := usage.all()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	if recs[0].FallbackDepth != 2 {
		t.Errorf("fallback depth = %d, want 2 (alpha tried, beta served)", recs[0].FallbackDepth)
	}
}

func TestAuthExcludedPathSkipsAuthentication(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, Deps{Auth: testutil.RejectAuth{ExcludePaths: []string{"/models"}}},
		&testutil.FakeProvider{ProviderName: "alpha"})

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("excluded path status = %d, want 200 without credentials", w.Code)
	}

	// Paths outside the exclusion set still authenticate.
	if w := postJSON(t, h, "/chat", map[string]any{"message": "hi"}); w.Code != http.StatusUnauthorized {
		t.Errorf("/chat status = %d, want 401", w.Code)
	}
}

func TestChatCanceledClientGetsNoBody(t *testing.T) {
	t.Parallel()

	alpha := &testutil.FakeProvider{ProviderName: "alpha"}
	alpha.GenerateFn = func(context.Context, *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
		return nil, gateway.E(gateway.KindCanceled, "alpha", "client went away")
	}
	h, _ := newTestServer(t, Deps{}, alpha)

	w := postJSON(t, h, "/chat", map[string]any{"message": "hi"})
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want nothing written for a canceled request", w.Body.String())
	}
}
