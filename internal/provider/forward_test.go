package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/errs"
)

func TestBuildURL_AnthropicDefault(t *testing.T) {
	pr := config.Provider{Type: config.ProviderAnthropic}
	got := buildURL(pr, "/v1/messages")
	if got != anthropicDefaultBase+"/v1/messages" {
		t.Errorf("buildURL = %s", got)
	}
}

func TestBuildURL_GeminiCompat(t *testing.T) {
	pr := config.Provider{Type: config.ProviderOpenAI, BaseURL: "https://generativelanguage.googleapis.com"}
	got := buildURL(pr, "/v1/chat/completions")
	want := "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions"
	if got != want {
		t.Errorf("buildURL = %s, want %s", got, want)
	}
}

func TestBuildURL_StripsVersionSegment(t *testing.T) {
	pr := config.Provider{Type: config.ProviderOpenAI, BaseURL: "https://example.com/api/v1"}
	got := buildURL(pr, "/v1/chat/completions")
	want := "https://example.com/api/v1/chat/completions"
	if got != want {
		t.Errorf("buildURL = %s, want %s", got, want)
	}
}

func TestForward_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-4o","usage":{"prompt_tokens":3,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	pr := config.Provider{Type: config.ProviderOpenAI, BaseURL: srv.URL}
	resp, errOut := Forward(context.Background(), srv.Client(), Attempt{
		Provider: pr, Method: "POST", Path: "/v1/chat/completions",
		Headers: map[string]string{"authorization": "Bearer x"},
		Body:    []byte(`{}`),
	})
	if errOut != nil {
		t.Fatalf("unexpected error: %v", errOut)
	}
	if resp.InputTokens != 3 || resp.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp)
	}
}

func TestForward_ClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	pr := config.Provider{Type: config.ProviderOpenAI, BaseURL: srv.URL}
	_, errOut := Forward(context.Background(), srv.Client(), Attempt{
		Provider: pr, Method: "POST", Path: "/v1/chat/completions",
	})
	if errOut == nil {
		t.Fatal("expected error")
	}
	if errOut.Kind != errs.RateLimited {
		t.Errorf("kind = %s, want rate_limited", errOut.Kind)
	}
	if !errOut.Kind.Retryable() {
		t.Error("rate_limited should be retryable")
	}
}

func TestForward_ClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pr := config.Provider{Type: config.ProviderAnthropic, BaseURL: srv.URL}
	_, errOut := Forward(context.Background(), srv.Client(), Attempt{
		Provider: pr, Method: "POST", Path: "/v1/messages",
	})
	if errOut == nil || errOut.Kind != errs.UpstreamServerError {
		t.Fatalf("errOut = %+v", errOut)
	}
}
