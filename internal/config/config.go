// Package config holds the typed, validated representation of providers,
// model routes, and settings. Loading happens once at process start from a
// YAML document; hot-reload and the on-disk watch loop are an external
// collaborator's job, not this package's.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthType is how a provider's credential is supplied on the wire.
type AuthType string

const (
	AuthAPIKey    AuthType = "api_key"
	AuthAuthToken AuthType = "auth_token"
)

// ProviderType is the wire format a provider speaks.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
)

// Sentinel auth_value strings with special meaning.
const (
	AuthValueOAuth       = "oauth"
	AuthValuePassthrough = "passthrough"
)

// SelectionStrategy chooses how candidates_for_model orders a tied set.
type SelectionStrategy string

const (
	StrategyPriority    SelectionStrategy = "priority"
	StrategyRoundRobin  SelectionStrategy = "round_robin"
)

// Provider is the immutable configuration entity for one upstream account.
// Name is not unique by itself: (Name, AccountEmail) is the unique key.
type Provider struct {
	Name         string       `yaml:"name"`
	Type         ProviderType `yaml:"type"`
	BaseURL      string       `yaml:"base_url"`
	AuthType     AuthType     `yaml:"auth_type"`
	AuthValue    string       `yaml:"auth_value"`
	AccountEmail string       `yaml:"account_email,omitempty"`
	Proxy        string       `yaml:"proxy,omitempty"`
	Enabled      bool         `yaml:"enabled"`
}

// Key returns the (name, account_email) uniqueness tuple, email lowercased.
func (p Provider) Key() string {
	return p.Name + "\x00" + strings.ToLower(p.AccountEmail)
}

// RouteEntry is one candidate in a model route's ordered list.
type RouteEntry struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"` // "passthrough" forwards the client-supplied model
	Priority     int    `yaml:"priority"`
	AccountEmail string `yaml:"account_email,omitempty"`
}

// Settings holds the tunables from the settings: block of the config file.
type Settings struct {
	SelectionStrategy               SelectionStrategy `yaml:"selection_strategy"`
	UnhealthyThreshold               int              `yaml:"unhealthy_threshold"`
	FailureCooldownSeconds           int              `yaml:"failure_cooldown_seconds"`
	CountTokensCooldownSeconds       int              `yaml:"count_tokens_cooldown_seconds"`
	CountTokensTimeoutOverrideSeconds int             `yaml:"count_tokens_timeout_override_seconds"`
	MaxOutputTokensDefault           int              `yaml:"max_output_tokens_default"`
	LogLevel                        string            `yaml:"log_level"`
}

// FailureCooldown is Settings.FailureCooldownSeconds as a duration.
func (s Settings) FailureCooldown() time.Duration {
	return time.Duration(s.FailureCooldownSeconds) * time.Second
}

// CountTokensCooldown is Settings.CountTokensCooldownSeconds as a duration.
func (s Settings) CountTokensCooldown() time.Duration {
	return time.Duration(s.CountTokensCooldownSeconds) * time.Second
}

// Config is the fully parsed and validated configuration document.
type Config struct {
	Providers     []Provider              `yaml:"providers"`
	ModelRoutes   map[string][]RouteEntry `yaml:"model_routes"`
	DefaultRoutes map[string][]RouteEntry `yaml:"default_routes"`
	Settings      Settings                `yaml:"settings"`
}

func defaults() Settings {
	return Settings{
		SelectionStrategy:                StrategyPriority,
		UnhealthyThreshold:               3,
		FailureCooldownSeconds:           30,
		CountTokensCooldownSeconds:       120,
		CountTokensTimeoutOverrideSeconds: 10,
		MaxOutputTokensDefault:           8192,
		LogLevel:                         "info",
	}
}

// Load reads a YAML config document from path, expands $VAR / ${VAR}
// references in it from the process environment, and parses it, applying
// defaults to unset settings fields and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses a YAML config document already in memory, e.g. for tests.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Settings: defaults()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	applySettingsDefaults(&cfg.Settings)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applySettingsDefaults(s *Settings) {
	d := defaults()
	if s.SelectionStrategy == "" {
		s.SelectionStrategy = d.SelectionStrategy
	}
	if s.UnhealthyThreshold == 0 {
		s.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if s.FailureCooldownSeconds == 0 {
		s.FailureCooldownSeconds = d.FailureCooldownSeconds
	}
	if s.CountTokensCooldownSeconds == 0 {
		s.CountTokensCooldownSeconds = d.CountTokensCooldownSeconds
	}
	if s.CountTokensTimeoutOverrideSeconds == 0 {
		s.CountTokensTimeoutOverrideSeconds = d.CountTokensTimeoutOverrideSeconds
	}
	if s.MaxOutputTokensDefault == 0 {
		s.MaxOutputTokensDefault = d.MaxOutputTokensDefault
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
}

// Validate checks the invariants from §3: provider (name, account_email)
// uniqueness among enabled providers, enum membership, and that every route
// entry names a provider that exists.
func (c *Config) Validate() error {
	var errs []string

	seen := make(map[string]bool)
	providerNames := make(map[string]bool)
	for _, p := range c.Providers {
		providerNames[p.Name] = true
		if !p.Enabled {
			continue
		}
		if p.Name == "" {
			errs = append(errs, "provider with empty name")
			continue
		}
		if p.Type != ProviderAnthropic && p.Type != ProviderOpenAI {
			errs = append(errs, fmt.Sprintf("provider %q: invalid type %q", p.Name, p.Type))
		}
		if p.AuthType != AuthAPIKey && p.AuthType != AuthAuthToken {
			errs = append(errs, fmt.Sprintf("provider %q: invalid auth_type %q", p.Name, p.AuthType))
		}
		key := p.Key()
		if seen[key] {
			errs = append(errs, fmt.Sprintf("duplicate enabled provider (name=%q, account_email=%q)", p.Name, p.AccountEmail))
		}
		seen[key] = true
	}

	if c.Settings.SelectionStrategy != StrategyPriority && c.Settings.SelectionStrategy != StrategyRoundRobin {
		errs = append(errs, fmt.Sprintf("invalid selection_strategy %q", c.Settings.SelectionStrategy))
	}

	checkRoutes := func(section string, routes map[string][]RouteEntry) {
		for model, entries := range routes {
			for _, e := range entries {
				if !providerNames[e.Provider] {
					errs = append(errs, fmt.Sprintf("%s[%q]: references unknown provider %q", section, model, e.Provider))
				}
			}
		}
	}
	checkRoutes("model_routes", c.ModelRoutes)
	checkRoutes("default_routes", c.DefaultRoutes)

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// FindProvider returns the enabled provider matching (name, email), email
// comparison case-insensitive. Matches §4.2's get_by_name_and_account.
func (c *Config) FindProvider(name, email string) (Provider, bool) {
	for _, p := range c.Providers {
		if !p.Enabled || p.Name != name {
			continue
		}
		if email == "" || strings.EqualFold(p.AccountEmail, email) {
			return p, true
		}
	}
	return Provider{}, false
}
