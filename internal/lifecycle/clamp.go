package lifecycle

import "strings"

// outputCeilings is a static per-model-family ceiling for max_tokens, since
// §4.6 requires clamping the client's requested max_tokens before an attempt
// is ever made, not discovering the ceiling from an upstream 400. Matched by
// substring against the client-supplied model name, longest match wins.
var outputCeilings = map[string]int{
	"claude-opus-4":   32000,
	"claude-sonnet-4": 64000,
	"claude-3-5":      8192,
	"claude-3-opus":   4096,
	"claude-3-haiku":  4096,
	"gpt-4o":          16384,
	"gpt-4.1":         32768,
	"o1":              100000,
	"o3":              100000,
}

// clampMaxTokens rewrites body["max_tokens"] in place to fit the target
// model's ceiling, or fills in the configured default when the client left
// it out entirely.
func (l *Lifecycle) clampMaxTokens(body map[string]any) {
	model := modelOf(body)
	ceiling := ceilingFor(model)

	requested := intFromAny(body["max_tokens"])
	if requested <= 0 {
		body["max_tokens"] = defaultOr(l.defaultMaxTokens, ceiling)
		return
	}
	if requested > ceiling {
		body["max_tokens"] = ceiling
	}
}

func ceilingFor(model string) int {
	best := 0
	bestLen := 0
	for prefix, ceiling := range outputCeilings {
		if strings.Contains(model, prefix) && len(prefix) > bestLen {
			best, bestLen = ceiling, len(prefix)
		}
	}
	if best == 0 {
		return 4096
	}
	return best
}

func defaultOr(configured, ceiling int) int {
	if configured <= 0 || configured > ceiling {
		return ceiling
	}
	return configured
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}

func modelOf(body map[string]any) string {
	if m, ok := body["model"].(string); ok {
		return m
	}
	return ""
}
