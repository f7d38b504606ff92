package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"gatewayproxy/internal/config"
)

// extractBufferedUsage reads token counts out of a complete, non-streaming
// response body, in whichever of the two dialect's usage shapes the
// provider type implies.
func extractBufferedUsage(typ config.ProviderType, body []byte) (model string, in, out, cacheRead, cacheWrite int) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, 0, 0, 0
	}
	if m, ok := parsed["model"].(string); ok {
		model = m
	}
	usage, ok := parsed["usage"].(map[string]any)
	if !ok {
		return model, 0, 0, 0, 0
	}

	if typ == config.ProviderAnthropic {
		return model,
			intFromAny(usage["input_tokens"]),
			intFromAny(usage["output_tokens"]),
			intFromAny(usage["cache_read_input_tokens"]),
			intFromAny(usage["cache_creation_input_tokens"])
	}
	return model, intFromAny(usage["prompt_tokens"]), intFromAny(usage["completion_tokens"]), 0, 0
}

// extractStreamUsage tees a live SSE body for usage fields without
// buffering the whole stream, so the caller can forward bytes to the client
// as they arrive while still ending up with a final token tally.
func extractStreamUsage(typ config.ProviderType, r io.Reader, usage *TokenUsage) {
	if typ == config.ProviderAnthropic {
		extractAnthropicStreamUsage(r, usage)
		return
	}
	extractOpenAIStreamUsage(r, usage)
}

func extractAnthropicStreamUsage(r io.Reader, usage *TokenUsage) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := line[len("data: "):]
		if data == "[DONE]" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev["type"] {
		case "message_start":
			msg, _ := ev["message"].(map[string]any)
			if m, ok := msg["model"].(string); ok {
				usage.Model.Store(m)
			}
			if u, ok := msg["usage"].(map[string]any); ok {
				usage.InputTokens.Store(int64(intFromAny(u["input_tokens"])))
				usage.CacheReadTokens.Store(int64(intFromAny(u["cache_read_input_tokens"])))
				usage.CacheWriteTokens.Store(int64(intFromAny(u["cache_creation_input_tokens"])))
			}
		case "message_delta":
			if u, ok := ev["usage"].(map[string]any); ok {
				usage.OutputTokens.Store(int64(intFromAny(u["output_tokens"])))
			}
		}
	}
}

func extractOpenAIStreamUsage(r io.Reader, usage *TokenUsage) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := line[len("data: "):]
		if data == "[DONE]" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if m, ok := ev["model"].(string); ok {
			usage.Model.Store(m)
		}
		if u, ok := ev["usage"].(map[string]any); ok {
			usage.InputTokens.Store(int64(intFromAny(u["prompt_tokens"])))
			usage.OutputTokens.Store(int64(intFromAny(u["completion_tokens"])))
		}
	}
}
