package convert

import (
	"encoding/json"
	"strings"
)

// ToOpenAIRequest converts an Anthropic Messages API request body into an
// OpenAI Chat Completions request body targeting targetModel.
func ToOpenAIRequest(body map[string]any, targetModel string) map[string]any {
	deepSeek := deepSeekReasonerRe.MatchString(targetModel)
	messages := []any{}

	if sys, ok := body["system"]; ok {
		messages = append(messages, map[string]any{"role": "system", "content": flattenSystem(sys)})
	}

	if msgs, ok := slice(body, "messages"); ok {
		for _, raw := range msgs {
			messages = append(messages, messageToOpenAI(asMap(raw), deepSeek))
		}
	}

	out := map[string]any{
		"model":    targetModel,
		"messages": messages,
	}
	for _, key := range []string{"max_tokens", "temperature", "top_p", "stream"} {
		if v, ok := body[key]; ok {
			out[key] = v
		}
	}
	if v, ok := body["stop_sequences"]; ok {
		out["stop"] = v
	}
	if streaming, ok := boolVal(body, "stream"); ok && streaming {
		out["stream_options"] = map[string]any{"include_usage": true}
	}

	if tools, ok := slice(body, "tools"); ok && len(tools) > 0 {
		out["tools"] = toolsToOpenAI(tools)
	}
	if choice, ok := nested(body, "tool_choice"); ok {
		if v := toolChoiceToOpenAI(choice); v != nil {
			out["tool_choice"] = v
		}
	}

	// Fields with no OpenAI equivalent (thinking, metadata, context_management,
	// ...) are dropped rather than forwarded as unknown extras.
	return out
}

func flattenSystem(sys any) string {
	switch s := sys.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, block := range s {
			switch b := block.(type) {
			case string:
				parts = append(parts, b)
			case map[string]any:
				parts = append(parts, str(b, "text"))
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func toolsToOpenAI(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, raw := range tools {
		t := asMap(raw)
		schema := t["input_schema"]
		if schema == nil {
			schema = map[string]any{}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        str(t, "name"),
				"description": str(t, "description"),
				"parameters":  schema,
			},
		})
	}
	return out
}

func toolChoiceToOpenAI(tc map[string]any) any {
	switch str(tc, "type") {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]any{"type": "function", "function": map[string]any{"name": str(tc, "name")}}
	default:
		return nil
	}
}

// messageToOpenAI converts one Anthropic message (string or block-array
// content) into its OpenAI equivalent. A tool_result block returns
// immediately as its own role:"tool" message, matching how Anthropic
// represents a tool result as a user-turn content block but OpenAI
// represents it as a standalone message.
func messageToOpenAI(msg map[string]any, deepSeek bool) map[string]any {
	role := str(msg, "role")

	if content, ok := msg["content"].(string); ok {
		return map[string]any{"role": role, "content": content}
	}
	blocks, ok := msg["content"].([]any)
	if !ok {
		content := msg["content"]
		if content == nil {
			content = ""
		}
		return map[string]any{"role": role, "content": content}
	}

	var parts []any
	var toolCalls []any

	for _, raw := range blocks {
		block := asMap(raw)
		switch str(block, "type") {
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": str(block, "text")})

		case "image":
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": imageBlockToURL(asMap(block["source"]))},
			})

		case "tool_use":
			input := block["input"]
			if input == nil {
				input = map[string]any{}
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   str(block, "id"),
				"type": "function",
				"function": map[string]any{
					"name":      str(block, "name"),
					"arguments": jsonString(input),
				},
			})

		case "tool_result":
			return map[string]any{
				"role":         "tool",
				"tool_call_id": str(block, "tool_use_id"),
				"content":      toolResultText(block["content"]),
			}

		case "thinking":
			// not representable in OpenAI's shape

		default:
			if text := str(block, "text"); text != "" {
				parts = append(parts, map[string]any{"type": "text", "text": text})
			}
		}
	}

	return assembleOpenAIMessage(role, parts, toolCalls, deepSeek)
}

func imageBlockToURL(source map[string]any) string {
	if str(source, "type") == "base64" {
		return "data:" + str(source, "media_type") + ";base64," + str(source, "data")
	}
	return str(source, "url")
}

func toolResultText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, item := range c {
			im := asMap(item)
			if str(im, "type") == "text" {
				parts = append(parts, str(im, "text"))
			} else {
				parts = append(parts, jsonString(item))
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		return jsonString(c)
	}
}

func assembleOpenAIMessage(role string, parts, toolCalls []any, deepSeek bool) map[string]any {
	out := map[string]any{"role": role}

	switch {
	case len(toolCalls) > 0:
		if len(parts) > 0 {
			texts := make([]string, 0, len(parts))
			for _, p := range parts {
				texts = append(texts, str(asMap(p), "text"))
			}
			out["content"] = strings.Join(texts, "")
		} else {
			out["content"] = nil
		}
		out["tool_calls"] = toolCalls
		if deepSeek && role == "assistant" {
			out["reasoning_content"] = ""
		}
	case len(parts) == 1 && str(asMap(parts[0]), "type") == "text":
		out["content"] = str(asMap(parts[0]), "text")
	case len(parts) == 0:
		out["content"] = ""
	default:
		out["content"] = parts
	}
	return out
}

// ToAnthropicRequest converts an OpenAI Chat Completions request body into
// an Anthropic Messages API request body.
func ToAnthropicRequest(body map[string]any) map[string]any {
	out := map[string]any{}
	var messages []any
	var system []any

	if msgs, ok := slice(body, "messages"); ok {
		for _, raw := range msgs {
			msg := asMap(raw)
			switch str(msg, "role") {
			case "system":
				system = append(system, map[string]any{"type": "text", "text": systemMessageText(msg)})
			case "tool":
				messages = append(messages, map[string]any{
					"role": "user",
					"content": []any{
						map[string]any{
							"type":        "tool_result",
							"tool_use_id": str(msg, "tool_call_id"),
							"content":     msg["content"],
						},
					},
				})
			default:
				messages = append(messages, messageToAnthropic(msg))
			}
		}
	}
	if len(system) > 0 {
		out["system"] = system
	}
	out["messages"] = messages

	if v, ok := body["max_tokens"]; ok {
		out["max_tokens"] = v
	}
	if v, ok := body["max_completion_tokens"]; ok {
		out["max_tokens"] = v
	}
	for _, key := range []string{"temperature", "top_p", "stream"} {
		if v, ok := body[key]; ok {
			out[key] = v
		}
	}
	if stop, ok := body["stop"]; ok {
		if s, ok := stop.([]any); ok {
			out["stop_sequences"] = s
		} else {
			out["stop_sequences"] = []any{stop}
		}
	}
	if tools, ok := slice(body, "tools"); ok && len(tools) > 0 {
		out["tools"] = toolsToAnthropic(tools)
	}
	if tc, ok := body["tool_choice"]; ok {
		if v := toolChoiceToAnthropic(tc); v != nil {
			out["tool_choice"] = v
		}
	}
	if out["max_tokens"] == nil {
		out["max_tokens"] = float64(4096) // Anthropic requires the field; OpenAI does not
	}
	return out
}

func systemMessageText(msg map[string]any) string {
	if s, ok := msg["content"].(string); ok {
		return s
	}
	return jsonString(msg["content"])
}

func toolsToAnthropic(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, raw := range tools {
		t := asMap(raw)
		fn := asMap(t["function"])
		name := str(fn, "name")
		if name == "" {
			name = str(t, "name")
		}
		desc := str(fn, "description")
		if desc == "" {
			desc = str(t, "description")
		}
		schema := fn["parameters"]
		if schema == nil {
			schema = t["parameters"]
		}
		if schema == nil {
			schema = map[string]any{}
		}
		out = append(out, map[string]any{"name": name, "description": desc, "input_schema": schema})
	}
	return out
}

func toolChoiceToAnthropic(tc any) any {
	switch v := tc.(type) {
	case string:
		switch v {
		case "auto":
			return map[string]any{"type": "auto"}
		case "required":
			return map[string]any{"type": "any"}
		}
		return nil
	case map[string]any:
		fn := asMap(v["function"])
		if name := str(fn, "name"); name != "" {
			return map[string]any{"type": "tool", "name": name}
		}
	}
	return nil
}

func messageToAnthropic(msg map[string]any) map[string]any {
	role := str(msg, "role")

	if tcs, ok := slice(msg, "tool_calls"); ok && len(tcs) > 0 {
		var blocks []any
		if text, ok := msg["content"].(string); ok && text != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": text})
		}
		for _, raw := range tcs {
			tc := asMap(raw)
			fn := asMap(tc["function"])
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    toolCallID(tc),
				"name":  toolCallName(tc, fn),
				"input": toolCallInput(fn),
			})
		}
		return map[string]any{"role": role, "content": blocks}
	}

	if parts, ok := msg["content"].([]any); ok {
		return map[string]any{"role": role, "content": contentPartsToAnthropic(parts)}
	}

	content := msg["content"]
	if content == nil {
		content = ""
	}
	return map[string]any{"role": role, "content": content}
}

func toolCallID(tc map[string]any) string {
	if id := str(tc, "id"); id != "" {
		return id
	}
	return syntheticToolID()
}

func toolCallName(tc, fn map[string]any) string {
	if name := str(fn, "name"); name != "" {
		return name
	}
	return str(tc, "name")
}

func toolCallInput(fn map[string]any) any {
	if args := str(fn, "arguments"); args != "" {
		var input any
		if err := json.Unmarshal([]byte(args), &input); err == nil {
			return input
		}
		return map[string]any{}
	}
	if fn["arguments"] != nil {
		return fn["arguments"]
	}
	return map[string]any{}
}

func contentPartsToAnthropic(parts []any) []any {
	out := make([]any, 0, len(parts))
	for _, raw := range parts {
		part := asMap(raw)
		switch str(part, "type") {
		case "text":
			out = append(out, map[string]any{"type": "text", "text": str(part, "text")})
		case "image_url":
			out = append(out, imageURLToAnthropicBlock(asMap(part["image_url"])))
		default:
			out = append(out, map[string]any{"type": "text", "text": jsonString(part)})
		}
	}
	return out
}

func imageURLToAnthropicBlock(imageURL map[string]any) map[string]any {
	url := str(imageURL, "url")
	if strings.HasPrefix(url, "data:") {
		if m := dataURIRe.FindStringSubmatch(url); m != nil {
			return map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "base64", "media_type": m[1], "data": m[2]},
			}
		}
	}
	return map[string]any{"type": "image", "source": map[string]any{"type": "url", "url": url}}
}
