package authresolver

import (
	"testing"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/oauthstore"
)

func anthropicAPIKeyProvider() config.Provider {
	return config.Provider{
		Name:      "Anthropic Direct",
		Type:      config.ProviderAnthropic,
		BaseURL:   "https://api.anthropic.com",
		AuthType:  config.AuthAPIKey,
		AuthValue: "sk-ant-literal",
		Enabled:   true,
	}
}

func TestResolve_LiteralAPIKey_Anthropic(t *testing.T) {
	out, err := Resolve(anthropicAPIKeyProvider(), map[string]string{}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["x-api-key"] != "sk-ant-literal" {
		t.Errorf("x-api-key = %q, want sk-ant-literal", out["x-api-key"])
	}
	if out["anthropic-version"] == "" {
		t.Error("anthropic-version not injected")
	}
	if _, ok := out["authorization"]; ok {
		t.Error("authorization should not be set for an anthropic api_key provider")
	}
}

func TestResolve_LiteralAuthToken_Bearer(t *testing.T) {
	pr := anthropicAPIKeyProvider()
	pr.AuthType = config.AuthAuthToken
	pr.AuthValue = "some-token"
	out, err := Resolve(pr, map[string]string{}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["authorization"] != "Bearer some-token" {
		t.Errorf("authorization = %q, want Bearer some-token", out["authorization"])
	}
}

func TestResolve_OpenAIAPIKey_Bearer(t *testing.T) {
	pr := config.Provider{
		Name:      "Some OpenAI",
		Type:      config.ProviderOpenAI,
		AuthType:  config.AuthAPIKey,
		AuthValue: "sk-oai",
		Enabled:   true,
	}
	out, err := Resolve(pr, map[string]string{}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["authorization"] != "Bearer sk-oai" {
		t.Errorf("authorization = %q, want Bearer sk-oai", out["authorization"])
	}
}

func TestResolve_Passthrough_AuthorizationBearer(t *testing.T) {
	pr := anthropicAPIKeyProvider()
	pr.AuthValue = config.AuthValuePassthrough
	out, err := Resolve(pr, map[string]string{"Authorization": "Bearer client-token"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["authorization"] != "Bearer client-token" {
		t.Errorf("authorization = %q, want Bearer client-token", out["authorization"])
	}
	if _, ok := out["x-api-key"]; ok {
		t.Error("x-api-key should not be set when passthrough carried a bearer authorization header")
	}
}

func TestResolve_Passthrough_XAPIKey(t *testing.T) {
	pr := anthropicAPIKeyProvider()
	pr.AuthValue = config.AuthValuePassthrough
	out, err := Resolve(pr, map[string]string{"X-Api-Key": "client-raw-key"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["x-api-key"] != "client-raw-key" {
		t.Errorf("x-api-key = %q, want client-raw-key", out["x-api-key"])
	}
}

func TestResolve_OAuth_NoStore(t *testing.T) {
	pr := anthropicAPIKeyProvider()
	pr.AuthValue = config.AuthValueOAuth
	_, err := Resolve(pr, map[string]string{}, nil)
	if err == nil {
		t.Fatal("expected an error when oauth is required but no store is configured")
	}
}

func TestResolve_OAuth_MultiAccountRoundRobin(t *testing.T) {
	store := oauthstore.NewMemoryStore()
	store.Put(oauthstore.Token{AccountEmail: "a@example.com", AccessToken: "T1"})
	store.Put(oauthstore.Token{AccountEmail: "b@example.com", AccessToken: "T2"})

	pr := anthropicAPIKeyProvider()
	pr.AuthValue = config.AuthValueOAuth

	first, err := Resolve(pr, map[string]string{}, store)
	if err != nil {
		t.Fatalf("Resolve (first): %v", err)
	}
	second, err := Resolve(pr, map[string]string{}, store)
	if err != nil {
		t.Fatalf("Resolve (second): %v", err)
	}

	if first["authorization"] == second["authorization"] {
		t.Errorf("round-robin should alternate accounts; got %q then %q", first["authorization"], second["authorization"])
	}
	if second["authorization"] != "Bearer T2" && first["authorization"] != "Bearer T2" {
		t.Errorf("expected Bearer T2 to appear across the two calls, got %q and %q", first["authorization"], second["authorization"])
	}
}

func TestResolve_OAuth_PinnedAccountEmail(t *testing.T) {
	store := oauthstore.NewMemoryStore()
	store.Put(oauthstore.Token{AccountEmail: "a@example.com", AccessToken: "T1"})
	store.Put(oauthstore.Token{AccountEmail: "b@example.com", AccessToken: "T2"})

	pr := anthropicAPIKeyProvider()
	pr.AuthValue = config.AuthValueOAuth
	pr.AccountEmail = "b@example.com"

	out, err := Resolve(pr, map[string]string{}, store)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["authorization"] != "Bearer T2" {
		t.Errorf("authorization = %q, want Bearer T2", out["authorization"])
	}
}

func TestResolve_ClaudeCodeOfficial_OAuthBetaFlag(t *testing.T) {
	store := oauthstore.NewMemoryStore()
	store.Put(oauthstore.Token{AccessToken: "T1"})

	pr := anthropicAPIKeyProvider()
	pr.Name = claudeCodeOfficial
	pr.AuthValue = config.AuthValueOAuth

	out, err := Resolve(pr, map[string]string{}, store)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["anthropic-beta"] != oauthBetaFlag {
		t.Errorf("anthropic-beta = %q, want %q", out["anthropic-beta"], oauthBetaFlag)
	}
}

func TestResolve_ClaudeCodeOfficial_BetaFlagPreservesExisting(t *testing.T) {
	store := oauthstore.NewMemoryStore()
	store.Put(oauthstore.Token{AccessToken: "T1"})

	pr := anthropicAPIKeyProvider()
	pr.Name = claudeCodeOfficial
	pr.AuthValue = config.AuthValueOAuth

	out, err := Resolve(pr, map[string]string{"Anthropic-Beta": "other-flag"}, store)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["anthropic-beta"] != oauthBetaFlag+",other-flag" {
		t.Errorf("anthropic-beta = %q, want %s,other-flag", out["anthropic-beta"], oauthBetaFlag)
	}
}

func TestResolve_StripsAndRecomputesHopByHopHeaders(t *testing.T) {
	pr := anthropicAPIKeyProvider()
	original := map[string]string{
		"Authorization":  "Bearer should-be-dropped",
		"X-Api-Key":      "should-be-dropped-too",
		"Host":           "client-host",
		"Content-Length": "999",
		"X-Custom":       "kept",
	}
	out, err := Resolve(pr, original, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out["x-custom"] != "kept" {
		t.Error("non-auth client headers should pass through")
	}
	if out["host"] == "client-host" {
		t.Error("host should be recomputed from the provider's base_url, not copied from the client")
	}
	if _, ok := out["content-length"]; ok {
		t.Error("content-length should not be carried over from the client; it's recomputed later from the converted body")
	}
}
