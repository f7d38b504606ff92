package convert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToAnthropicResponse converts a complete (non-streaming) OpenAI Chat
// Completions response into an Anthropic Messages API response.
func ToAnthropicResponse(resp map[string]any, originalModel string) map[string]any {
	choices, _ := slice(resp, "choices")
	if len(choices) == 0 {
		return map[string]any{
			"id": responseID(resp, "msg"), "type": "message", "role": "assistant",
			"content": []any{}, "model": originalModel,
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": float64(0), "output_tokens": float64(0)},
		}
	}

	choice := asMap(choices[0])
	message := asMap(choice["message"])
	content := []any{}

	if text, ok := message["content"].(string); ok && text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	if tcs, ok := slice(message, "tool_calls"); ok {
		for _, raw := range tcs {
			content = append(content, toolCallToAnthropicBlock(asMap(raw)))
		}
	}

	usage := asMap(resp["usage"])
	inputTokens, _ := num(usage, "prompt_tokens")
	outputTokens, _ := num(usage, "completion_tokens")

	return map[string]any{
		"id": responseID(resp, "msg"), "type": "message", "role": "assistant",
		"content": content, "model": originalModel,
		"stop_reason": stopReasonFromChoice(choice), "stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":                inputTokens,
			"output_tokens":               outputTokens,
			"cache_creation_input_tokens": float64(0),
			"cache_read_input_tokens":     float64(0),
		},
	}
}

func stopReasonFromChoice(choice map[string]any) string {
	return finishReasonToStopReason(str(choice, "finish_reason"))
}

func toolCallToAnthropicBlock(tc map[string]any) map[string]any {
	fn := asMap(tc["function"])
	args := str(fn, "arguments")
	if args == "" {
		args = "{}"
	}
	var input any
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		input = map[string]any{"_raw": args}
	}
	return map[string]any{
		"type":  "tool_use",
		"id":    toolCallID(tc),
		"name":  str(fn, "name"),
		"input": input,
	}
}

func responseID(resp map[string]any, prefix string) string {
	if id := str(resp, "id"); id != "" {
		if prefix == "msg" {
			return id
		}
		return fmt.Sprintf("chatcmpl-%s", id)
	}
	return fmt.Sprintf("%s_%d", prefix, nowMillis())
}

// ToOpenAIResponse converts a complete Anthropic Messages API response into
// an OpenAI Chat Completions response.
func ToOpenAIResponse(body map[string]any, model string) map[string]any {
	var texts []string
	var toolCalls []any

	if blocks, ok := slice(body, "content"); ok {
		for _, raw := range blocks {
			block := asMap(raw)
			switch str(block, "type") {
			case "text":
				texts = append(texts, str(block, "text"))
			case "tool_use":
				toolCalls = append(toolCalls, anthropicBlockToToolCall(block))
			}
		}
	}

	joined := strings.Join(texts, "")
	var content any
	if joined != "" {
		content = joined
	}

	message := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	usage := asMap(body["usage"])
	inputTokens, _ := num(usage, "input_tokens")
	outputTokens, _ := num(usage, "output_tokens")

	return map[string]any{
		"id": responseID(body, "chatcmpl"), "object": "chat.completion",
		"created": nowUnix(), "model": model,
		"choices": []any{
			map[string]any{
				"index":         float64(0),
				"message":       message,
				"finish_reason": stopReasonToFinishReason(str(body, "stop_reason")),
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     inputTokens,
			"completion_tokens": outputTokens,
			"total_tokens":      inputTokens + outputTokens,
		},
	}
}

func anthropicBlockToToolCall(block map[string]any) map[string]any {
	input := block["input"]
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{
		"id":   str(block, "id"),
		"type": "function",
		"function": map[string]any{
			"name":      str(block, "name"),
			"arguments": jsonString(input),
		},
	}
}
