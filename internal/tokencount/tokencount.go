// Package tokencount is the Token Counter's local-estimate path from §4.7:
// a deterministic, cheap approximation of input token count using the
// cl100k_base BPE encoder, for when no healthy Anthropic provider is
// available to ask directly.
package tokencount

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// imageBlockTokens is the fixed estimate charged per image content block,
// since we don't decode the image to measure it properly.
const imageBlockTokens = 768

// Counter wraps a single cl100k_base encoder. tiktoken-go's encoder isn't
// documented as goroutine-safe for concurrent Encode calls sharing internal
// caches, so access is serialized; this is a local estimate path, not the
// hot streaming path, so the lock is cheap insurance rather than a
// bottleneck in practice.
type Counter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// New loads the cl100k_base encoding.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &Counter{enc: enc}, nil
}

func (c *Counter) encode(s string) int {
	if s == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(s, nil, nil))
}

// Estimate sums encoded system text, per-message content, and per-tool
// definitions, per the rules in §4.7. It accepts a decoded Anthropic
// Messages request body.
func (c *Counter) Estimate(body map[string]any) int {
	total := 0

	if sys, ok := body["system"]; ok {
		total += c.encode(systemText(sys))
	}
	if msgs, ok := body["messages"].([]any); ok {
		for _, raw := range msgs {
			total += c.messageTokens(asMap(raw))
		}
	}
	if tools, ok := body["tools"].([]any); ok {
		for _, raw := range tools {
			total += c.toolTokens(asMap(raw))
		}
	}
	return total
}

func systemText(sys any) string {
	switch s := sys.(type) {
	case string:
		return s
	case []any:
		var out string
		for _, block := range s {
			switch b := block.(type) {
			case string:
				out += b
			case map[string]any:
				out += str(b, "text")
			}
		}
		return out
	default:
		return ""
	}
}

func (c *Counter) messageTokens(msg map[string]any) int {
	if text, ok := msg["content"].(string); ok {
		return c.encode(text)
	}
	blocks, ok := msg["content"].([]any)
	if !ok {
		return 0
	}

	total := 0
	for _, raw := range blocks {
		block := asMap(raw)
		switch str(block, "type") {
		case "text":
			total += c.encode(str(block, "text"))
		case "image":
			total += imageBlockTokens
		case "tool_use":
			total += c.encode(jsonString(block["input"]))
		case "tool_result":
			total += c.encode(toolResultText(block["content"]))
		}
	}
	return total
}

func (c *Counter) toolTokens(tool map[string]any) int {
	header := str(tool, "name") + str(tool, "description")
	return c.encode(header) + c.encode(jsonString(tool["input_schema"]))
}

func toolResultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, item := range v {
			im := asMap(item)
			if str(im, "type") == "text" {
				out += str(im, "text")
			} else {
				out += jsonString(item)
			}
		}
		return out
	default:
		return ""
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func jsonString(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
