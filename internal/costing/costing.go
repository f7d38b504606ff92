// Package costing estimates the USD cost of a completed request from its
// token counts, off a static per-model rate table. It has no persistent
// store of its own; callers surface the result through structured logging.
package costing

// Rates maps a model name to its (input, output) USD-per-million-token
// prices.
var Rates = map[string][2]float64{
	"claude-opus-4-20250514":     {15.0, 75.0},
	"claude-sonnet-4-20250514":   {3.0, 15.0},
	"claude-3-5-sonnet-20241022": {3.0, 15.0},
	"claude-3-opus-20240229":     {15.0, 75.0},
	"claude-3-haiku-20240307":    {0.25, 1.25},
	"gpt-4o":                     {2.5, 10.0},
	"gpt-4o-mini":                {0.15, 0.6},
	"gpt-4.1":                    {2.0, 8.0},
	"o3":                         {10.0, 40.0},
	"o4-mini":                    {1.1, 4.4},
}

// DefaultRate applies to any model not present in Rates.
var DefaultRate = [2]float64{2.0, 8.0}

// Estimate returns the USD cost of a completed request given its input and
// output token counts. Cache tokens aren't billed separately here — the
// rate table only distinguishes input vs. output, matching what the
// upstream dialects themselves report.
func Estimate(model string, inputTokens, outputTokens int) float64 {
	rates, ok := Rates[model]
	if !ok {
		rates = DefaultRate
	}
	return float64(inputTokens)/1_000_000*rates[0] + float64(outputTokens)/1_000_000*rates[1]
}
