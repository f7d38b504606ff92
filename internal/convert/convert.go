// Package convert is the Format Converter from §4.4: it translates request
// bodies, response bodies, and SSE event streams between the Anthropic
// Messages API shape and the OpenAI Chat Completions shape, in both
// directions, so the Request Lifecycle can route a client of either dialect
// to a provider of either dialect.
//
// The non-streaming conversions below operate on decoded map[string]any
// documents, because a full message/content-block restructuring reads more
// clearly as ordinary Go control flow than as a sequence of JSON-path
// patches. The streaming conversions (stream.go) go the other way: each SSE
// frame is small and mostly passed through, so gjson/sjson read and patch it
// in place without a full unmarshal/remarshal round trip.
package convert

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// deepSeekReasonerRe flags target models that need the reasoning_content
// quirk applied to assistant messages carrying tool calls.
var deepSeekReasonerRe = regexp.MustCompile(`(?i)deepseek-reasoner|deepseek-r1`)

// dataURIRe splits a data: URI into its media type and base64 payload.
var dataURIRe = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomSuffix returns a short random alphanumeric string for synthesizing
// tool-call and message IDs a provider omitted.
func randomSuffix() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
func nowUnix() int64   { return time.Now().Unix() }

func syntheticToolID() string {
	return fmt.Sprintf("toolu_%d_%s", nowMillis(), randomSuffix())
}

// jsonString marshals v, falling back to an empty object on failure rather
// than propagating an encoding error through a format conversion.
func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func str(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func num(m map[string]any, key string) (float64, bool) {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}

func boolVal(m map[string]any, key string) (bool, bool) {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

func slice(m map[string]any, key string) ([]any, bool) {
	if v, ok := m[key]; ok {
		if s, ok := v.([]any); ok {
			return s, true
		}
	}
	return nil, false
}

func nested(m map[string]any, key string) (map[string]any, bool) {
	if v, ok := m[key]; ok {
		if m2, ok := v.(map[string]any); ok {
			return m2, true
		}
	}
	return nil, false
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// finishReasonToStopReason maps an OpenAI finish_reason to the Anthropic
// stop_reason it corresponds to, per the table in §4.4.
func finishReasonToStopReason(fr string) string {
	switch fr {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "stop", "":
		return "end_turn"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// stopReasonToFinishReason is the inverse mapping, used when the provider
// speaks Anthropic and the client expects OpenAI.
func stopReasonToFinishReason(sr string) string {
	switch sr {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
