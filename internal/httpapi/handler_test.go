package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/dedup"
	"gatewayproxy/internal/lifecycle"
	"gatewayproxy/internal/logging"
	"gatewayproxy/internal/oauthstore"
	"gatewayproxy/internal/pool"
	"gatewayproxy/internal/tokencount"
)

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	yaml := []byte(`
providers:
  - name: primary
    type: anthropic
    base_url: "` + upstreamURL + `"
    auth_type: api_key
    auth_value: sk-test
    enabled: true
model_routes:
  claude-3-5-sonnet-20241022:
    - provider: primary
      model: passthrough
      priority: 1
`)
	cfg, err := config.Parse(yaml)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	p := pool.New(cfg, nil)
	store := oauthstore.NewMemoryStore()
	b := dedup.New(nil)
	lc := lifecycle.New(cfg, p, store, b, logging.Nop())
	tc, err := tokencount.New()
	if err != nil {
		t.Fatalf("tokencount.New: %v", err)
	}
	return New(lc, p, store, tc, logging.Nop())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleProviders(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := parsed["providers"]; !ok {
		t.Error("response missing providers key")
	}
}

func TestHandleMessages_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RequestIDHeader(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected an X-Request-Id header to be stamped")
	}
}
