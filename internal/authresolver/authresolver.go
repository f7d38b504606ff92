// Package authresolver builds outgoing headers for a provider from a
// client's original request headers, per spec §4.1. It is a pure function
// over its inputs plus one side lookup into the OAuth store; it never
// retries and never makes network calls itself.
package authresolver

import (
	"net/url"
	"strconv"
	"strings"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/errs"
	"gatewayproxy/internal/oauthstore"
)

const anthropicVersion = "2023-06-01"
const oauthBetaFlag = "oauth-2025-04-20"

// claudeCodeOfficial is the provider name that gets the oauth-beta quirk in
// step 6 of §4.1.
const claudeCodeOfficial = "Claude Code Official"

// excludedHeaders are stripped from the client's original headers before
// anything else is applied; they're either recomputed or replaced below.
var excludedHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"host":           true,
	"content-length": true,
}

// Resolve builds the outgoing header set for one attempt against provider,
// given the client's original request headers. Keys of original may be in
// any case; they are lowercased here, and every key of the returned map is
// lowercase.
func Resolve(provider config.Provider, original map[string]string, store oauthstore.Store) (map[string]string, error) {
	out := make(map[string]string, len(original)+4)
	for k, v := range original {
		lk := strings.ToLower(k)
		if excludedHeaders[lk] {
			continue
		}
		out[lk] = v
	}

	if host := hostFromBaseURL(provider.BaseURL); host != "" {
		out["host"] = host
	}
	if _, ok := out["content-type"]; !ok {
		out["content-type"] = "application/json"
	}

	secret, fromPassthrough, err := resolveCredential(provider, original, store)
	if err != nil {
		return nil, err
	}

	applyCredential(out, provider, secret, fromPassthrough)

	if provider.Name == claudeCodeOfficial && provider.AuthValue == config.AuthValueOAuth {
		out["anthropic-beta"] = prependBeta(out["anthropic-beta"], oauthBetaFlag)
	}

	return out, nil
}

// resolveCredential implements step 4 of §4.1: passthrough, oauth lookup, or
// literal secret. fromPassthrough is true only in the passthrough case,
// where secret is the client's own already-prefixed credential header value
// rather than a bare secret to be wrapped.
func resolveCredential(provider config.Provider, original map[string]string, store oauthstore.Store) (secret string, fromPassthrough bool, err error) {
	switch provider.AuthValue {
	case config.AuthValuePassthrough:
		return passthroughCredential(original, provider), true, nil

	case config.AuthValueOAuth:
		if store == nil {
			return "", false, errs.New(errs.OAuthUnavailable, "no oauth token store configured", 0, "")
		}
		var tok oauthstore.Token
		var lookupErr error
		if provider.AccountEmail != "" {
			tok, lookupErr = store.ByEmail(provider.AccountEmail)
		} else {
			tok, lookupErr = store.Next()
		}
		if lookupErr != nil {
			return "", false, errs.New(errs.OAuthUnavailable, "no oauth token available; re-authentication required", 0, "")
		}
		return tok.AccessToken, false, nil

	default:
		return provider.AuthValue, false, nil
	}
}

// passthroughCredential returns the value of the client's own authorization
// or x-api-key header, unchanged, or "" if it sent neither. The
// anthropic-version header that passthrough needs is added by
// applyCredential.
func passthroughCredential(original map[string]string, provider config.Provider) string {
	for k, v := range original {
		lk := strings.ToLower(k)
		if lk == "x-api-key" || lk == "authorization" {
			return v
		}
	}
	return ""
}

// applyCredential applies step 5's (auth_type x provider.type) matrix, and
// the anthropic-version injection that passthrough needs.
func applyCredential(out map[string]string, provider config.Provider, secret string, fromPassthrough bool) {
	if fromPassthrough {
		// The client's original header value already carries its own
		// "Bearer " / raw-key shape and is forwarded unchanged. For anthropic
		// providers the outgoing header is picked from that shape: a
		// "Bearer " value goes out as authorization, anything else as
		// x-api-key. Other providers always get it as authorization.
		if provider.Type == config.ProviderAnthropic {
			if strings.HasPrefix(strings.ToLower(secret), "bearer ") {
				out["authorization"] = secret
			} else {
				out["x-api-key"] = secret
			}
			if _, ok := out["anthropic-version"]; !ok {
				out["anthropic-version"] = anthropicVersion
			}
		} else {
			out["authorization"] = secret
		}
		return
	}

	switch {
	case provider.AuthValue == config.AuthValueOAuth:
		// An OAuth access token is a bearer token whatever auth_type says.
		out["authorization"] = "Bearer " + secret
	case provider.Type == config.ProviderAnthropic && provider.AuthType == config.AuthAPIKey:
		out["x-api-key"] = secret
	case provider.Type == config.ProviderOpenAI && provider.AuthType == config.AuthAPIKey:
		out["authorization"] = "Bearer " + secret
	case provider.AuthType == config.AuthAuthToken:
		out["authorization"] = "Bearer " + secret
	default:
		out["x-api-key"] = secret
	}

	if provider.Type == config.ProviderAnthropic {
		if _, ok := out["anthropic-version"]; !ok {
			out["anthropic-version"] = anthropicVersion
		}
	}
}

// prependBeta ensures target is present in a comma-separated anthropic-beta
// header value, prepending it and preserving any other flags.
func prependBeta(existing, target string) string {
	var parts []string
	if existing != "" {
		parts = strings.Split(existing, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
	}
	for _, p := range parts {
		if p == target {
			return existing
		}
	}
	return strings.Join(append([]string{target}, parts...), ",")
}

func hostFromBaseURL(base string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Host
}

// ContentLength recomputes the content-length header for a given body, per
// step 1 of §4.1 ("length must be recomputed").
func ContentLength(body []byte) string {
	return strconv.Itoa(len(body))
}
