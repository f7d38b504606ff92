// Package router resolves a client-facing model string into an ordered list
// of (provider, upstream_model) candidates, per spec §4.3. It does not look
// at provider health — that filtering is the Pool's job on consumption.
package router

import (
	"sort"
	"strings"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/errs"
)

// tierOf detects the coarse opus/sonnet/haiku tier from a model name by
// substring match, used only for the default_routes fallback below.
// Grounded in the teacher's models.DetectTier.
func tierOf(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return "opus"
	case strings.Contains(lower, "sonnet"):
		return "sonnet"
	case strings.Contains(lower, "haiku"):
		return "haiku"
	default:
		return ""
	}
}

// Resolve returns the ordered candidate list for model: an exact match in
// model_routes, else a tier match in default_routes, else the "*" entry of
// default_routes, else ModelNotRouted.
// "passthrough" upstream-model entries are left as "passthrough" here; the
// Pool substitutes the client-supplied model when building its Candidates.
func Resolve(cfg *config.Config, model string) ([]config.RouteEntry, error) {
	if entries, ok := cfg.ModelRoutes[model]; ok && len(entries) > 0 {
		return byPriority(entries), nil
	}

	if tier := tierOf(model); tier != "" {
		if entries, ok := cfg.DefaultRoutes[tier]; ok && len(entries) > 0 {
			return byPriority(entries), nil
		}
	}

	if entries, ok := cfg.DefaultRoutes["*"]; ok && len(entries) > 0 {
		return byPriority(entries), nil
	}

	return nil, errs.New(errs.ModelNotRouted, "no model_routes or default_routes entry for model "+model, 0, "")
}

// byPriority returns a stable copy of entries ordered by descending
// Priority, ties broken by original (insertion) order.
func byPriority(entries []config.RouteEntry) []config.RouteEntry {
	out := make([]config.RouteEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
