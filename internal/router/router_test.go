package router

import (
	"testing"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/errs"
)

func TestResolve_ExactModelRoute_OrderedByPriority(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]config.RouteEntry{
			"claude-opus-4-20250514": {
				{Provider: "Low", Priority: 1},
				{Provider: "High", Priority: 100},
				{Provider: "Mid", Priority: 50},
			},
		},
	}
	entries, err := Resolve(cfg, "claude-opus-4-20250514")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"High", "Mid", "Low"}
	for i, w := range want {
		if entries[i].Provider != w {
			t.Fatalf("entries[%d] = %s, want %s", i, entries[i].Provider, w)
		}
	}
}

func TestResolve_ExactRoute_TiesKeepInsertionOrder(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]config.RouteEntry{
			"m": {
				{Provider: "First", Priority: 5},
				{Provider: "Second", Priority: 5},
			},
		},
	}
	entries, err := Resolve(cfg, "m")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entries[0].Provider != "First" || entries[1].Provider != "Second" {
		t.Errorf("tie-break order = [%s, %s], want [First, Second]", entries[0].Provider, entries[1].Provider)
	}
}

func TestResolve_FallsBackToTierDefault(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]config.RouteEntry{},
		DefaultRoutes: map[string][]config.RouteEntry{
			"sonnet": {{Provider: "SonnetProvider", Priority: 1}},
		},
	}
	entries, err := Resolve(cfg, "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entries) != 1 || entries[0].Provider != "SonnetProvider" {
		t.Fatalf("entries = %+v, want a single SonnetProvider entry", entries)
	}
}

func TestResolve_FallsBackToWildcardDefault(t *testing.T) {
	cfg := &config.Config{
		DefaultRoutes: map[string][]config.RouteEntry{
			"*": {{Provider: "CatchAll", Priority: 1}},
		},
	}
	entries, err := Resolve(cfg, "some-unrecognized-model")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entries) != 1 || entries[0].Provider != "CatchAll" {
		t.Fatalf("entries = %+v, want a single CatchAll entry", entries)
	}
}

func TestResolve_ExactRouteTakesPrecedenceOverTier(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]config.RouteEntry{
			"claude-3-5-sonnet-20241022": {{Provider: "Exact", Priority: 1}},
		},
		DefaultRoutes: map[string][]config.RouteEntry{
			"sonnet": {{Provider: "TierFallback", Priority: 1}},
		},
	}
	entries, err := Resolve(cfg, "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entries[0].Provider != "Exact" {
		t.Errorf("entries[0].Provider = %s, want Exact", entries[0].Provider)
	}
}

func TestResolve_NoRouteAtAll(t *testing.T) {
	cfg := &config.Config{}
	_, err := Resolve(cfg, "unrouted-model")
	if err == nil {
		t.Fatal("expected an error when no route matches")
	}
	ge, ok := err.(*errs.Error)
	if !ok || ge.Kind != errs.ModelNotRouted {
		t.Errorf("err = %v, want errs.ModelNotRouted", err)
	}
}

func TestTierOf(t *testing.T) {
	cases := map[string]string{
		"claude-opus-4-20250514":     "opus",
		"claude-3-5-sonnet-20241022": "sonnet",
		"claude-3-haiku-20240307":    "haiku",
		"gpt-4o":                     "",
	}
	for model, want := range cases {
		if got := tierOf(model); got != want {
			t.Errorf("tierOf(%q) = %q, want %q", model, got, want)
		}
	}
}
