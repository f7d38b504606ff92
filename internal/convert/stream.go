package convert

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Each SSE data frame is small and mostly forwarded as-is with a handful of
// fields translated, so the streaming converters below read fields with
// gjson and build the outgoing frame with sjson rather than decoding and
// re-encoding the whole frame through map[string]any on every line.

func sseLines(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

func writeEvent(w io.Writer, event, payload string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func writeData(w io.Writer, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// builder builds a minimal JSON object (newFrame seeds it with "type") plus whatever
// fields the caller layers on via sets, keeping each frame construction a
// short, explicit list of path/value pairs instead of a nested literal.
type builder struct {
	json string
	err  error
}

func newFrame(typ string) *builder {
	b := &builder{json: "{}"}
	return b.set("type", typ)
}

func newObject() *builder {
	return &builder{json: "{}"}
}

func (b *builder) set(path string, value any) *builder {
	if b.err != nil {
		return b
	}
	b.json, b.err = sjson.Set(b.json, path, value)
	return b
}

func (b *builder) setRaw(path, rawJSON string) *builder {
	if b.err != nil {
		return b
	}
	b.json, b.err = sjson.SetRaw(b.json, path, rawJSON)
	return b
}

func (b *builder) build() string {
	if b.err != nil {
		return "{}"
	}
	return b.json
}

// StreamOpenAIToAnthropic converts an OpenAI-format SSE stream into an
// Anthropic-format SSE stream, as consumed by a client that spoke Anthropic
// against a provider that speaks OpenAI.
func StreamOpenAIToAnthropic(reader io.Reader, originalModel string) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		scanner := sseLines(reader)

		sentMessageStart := false
		inputTokens, outputTokens := 0.0, 0.0
		startedBlocks := map[int]bool{}
		nextIndex := 0
		toolIndex := map[int]int{}
		lastFinishReason := ""
		textStarted := false
		thinkingStarted := false
		thinkingIndex := -1

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := line[len("data: "):]
			if data == "" {
				continue
			}

			if data == "[DONE]" {
				indices := make([]int, 0, len(startedBlocks))
				for idx := range startedBlocks {
					indices = append(indices, idx)
				}
				sort.Ints(indices)
				for _, idx := range indices {
					writeEvent(pw, "content_block_stop", newFrame("content_block_stop").set("index", idx).build())
				}

				stopReason := finishReasonToStopReason(lastFinishReason)
				writeEvent(pw, "message_delta", newFrame("message_delta").
					set("delta.stop_reason", stopReason).
					set("delta.stop_sequence", nil).
					set("usage.output_tokens", outputTokens).
					build())
				writeEvent(pw, "message_stop", `{"type":"message_stop"}`)
				continue
			}

			frame := gjson.Parse(data)

			if !sentMessageStart {
				sentMessageStart = true
				msgID := frame.Get("id").String()
				if msgID == "" {
					msgID = fmt.Sprintf("msg_%d", nowMillis())
				}
				writeEvent(pw, "message_start", newFrame("message_start").
					set("message.id", msgID).
					set("message.type", "message").
					set("message.role", "assistant").
					set("message.content", []any{}).
					set("message.model", originalModel).
					set("message.stop_reason", nil).
					set("message.stop_sequence", nil).
					set("message.usage.input_tokens", inputTokens).
					set("message.usage.output_tokens", 0).
					build())
			}

			if pt := frame.Get("usage.prompt_tokens"); pt.Exists() && pt.Float() > 0 {
				inputTokens = pt.Float()
			}
			if ct := frame.Get("usage.completion_tokens"); ct.Exists() && ct.Float() > 0 {
				outputTokens = ct.Float()
			}

			choice := frame.Get("choices.0")
			if !choice.Exists() {
				continue
			}
			delta := choice.Get("delta")

			if rc := delta.Get("reasoning_content").String(); rc != "" {
				if !thinkingStarted {
					thinkingStarted = true
					thinkingIndex = nextIndex
					nextIndex++
					startedBlocks[thinkingIndex] = true
					writeEvent(pw, "content_block_start", newFrame("content_block_start").
						set("index", thinkingIndex).
						set("content_block.type", "thinking").
						set("content_block.thinking", "").
						build())
				}
				writeEvent(pw, "content_block_delta", newFrame("content_block_delta").
					set("index", thinkingIndex).
					set("delta.type", "thinking_delta").
					set("delta.thinking", rc).
					build())
			}

			if text := delta.Get("content").String(); text != "" {
				if !textStarted {
					textStarted = true
					idx := nextIndex
					nextIndex++
					startedBlocks[idx] = true
					writeEvent(pw, "content_block_start", newFrame("content_block_start").
						set("index", idx).
						set("content_block.type", "text").
						set("content_block.text", "").
						build())
				}
				textIdx := 0
				if thinkingStarted {
					textIdx = thinkingIndex + 1
				}
				writeEvent(pw, "content_block_delta", newFrame("content_block_delta").
					set("index", textIdx).
					set("delta.type", "text_delta").
					set("delta.text", text).
					build())
			}

			delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				openaiIdx := int(tc.Get("index").Int())
				fn := tc.Get("function")

				if name := fn.Get("name").String(); name != "" {
					if !textStarted {
						textStarted = true
						idx := nextIndex
						nextIndex++
						startedBlocks[idx] = true
						writeEvent(pw, "content_block_start", newFrame("content_block_start").
							set("index", idx).set("content_block.type", "text").set("content_block.text", "").build())
					}
					blockIdx := nextIndex
					nextIndex++
					toolIndex[openaiIdx] = blockIdx
					startedBlocks[blockIdx] = true

					toolID := tc.Get("id").String()
					if toolID == "" {
						toolID = syntheticToolID()
					}
					writeEvent(pw, "content_block_start", newFrame("content_block_start").
						set("index", blockIdx).
						set("content_block.type", "tool_use").
						set("content_block.id", toolID).
						set("content_block.name", name).
						set("content_block.input", map[string]any{}).
						build())
				}

				if args := fn.Get("arguments").String(); args != "" {
					if blockIdx, ok := toolIndex[openaiIdx]; ok {
						writeEvent(pw, "content_block_delta", newFrame("content_block_delta").
							set("index", blockIdx).
							set("delta.type", "input_json_delta").
							set("delta.partial_json", args).
							build())
					}
				}
				return true
			})

			if fr := choice.Get("finish_reason").String(); fr != "" {
				lastFinishReason = fr
			}
		}
	}()

	return pr
}

// StreamAnthropicToOpenAI converts an Anthropic-format SSE stream into an
// OpenAI-format SSE stream.
func StreamAnthropicToOpenAI(reader io.Reader, model string) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		scanner := sseLines(reader)
		messageID := fmt.Sprintf("chatcmpl-%d", nowMillis())

		chunk := func() *builder {
			return newObject().
				set("id", messageID).
				set("object", "chat.completion.chunk").
				set("created", nowUnix()).
				set("model", model)
		}

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, "event: ") || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := line[len("data: "):]
			if data == "" {
				continue
			}

			frame := gjson.Parse(data)
			switch frame.Get("type").String() {

			case "message_start":
				if id := frame.Get("message.id").String(); id != "" {
					messageID = fmt.Sprintf("chatcmpl-%s", id)
				}
				writeData(pw, chunk().
					set("choices.0.index", 0).
					set("choices.0.delta.role", "assistant").
					set("choices.0.delta.content", "").
					set("choices.0.finish_reason", nil).
					build())

			case "content_block_delta":
				delta := frame.Get("delta")
				switch delta.Get("type").String() {
				case "text_delta":
					if text := delta.Get("text").String(); text != "" {
						writeData(pw, chunk().
							set("choices.0.index", 0).
							set("choices.0.delta.content", text).
							set("choices.0.finish_reason", nil).
							build())
					}
				case "input_json_delta":
					if partial := delta.Get("partial_json").String(); partial != "" {
						idx := 0.0
						if v := frame.Get("index"); v.Exists() {
							idx = v.Float()
						}
						writeData(pw, chunk().
							set("choices.0.index", 0).
							set("choices.0.delta.tool_calls.0.index", idx).
							set("choices.0.delta.tool_calls.0.function.arguments", partial).
							set("choices.0.finish_reason", nil).
							build())
					}
				}

			case "content_block_start":
				cb := frame.Get("content_block")
				if cb.Get("type").String() == "tool_use" {
					toolIdx := 0.0
					if v := frame.Get("index"); v.Exists() {
						toolIdx = v.Float() - 1
					}
					writeData(pw, chunk().
						set("choices.0.index", 0).
						set("choices.0.delta.tool_calls.0.index", toolIdx).
						set("choices.0.delta.tool_calls.0.id", cb.Get("id").String()).
						set("choices.0.delta.tool_calls.0.type", "function").
						set("choices.0.delta.tool_calls.0.function.name", cb.Get("name").String()).
						set("choices.0.delta.tool_calls.0.function.arguments", "").
						set("choices.0.finish_reason", nil).
						build())
				}

			case "message_delta":
				delta := frame.Get("delta")
				if stopReason := delta.Get("stop_reason").String(); stopReason != "" {
					b := chunk().
						set("choices.0.index", 0).
						set("choices.0.delta", map[string]any{}).
						set("choices.0.finish_reason", stopReasonToFinishReason(stopReason))
					if usage := frame.Get("usage"); usage.Exists() {
						out := usage.Get("output_tokens").Float()
						b = b.set("usage.prompt_tokens", 0).
							set("usage.completion_tokens", out).
							set("usage.total_tokens", out)
					}
					writeData(pw, b.build())
				}

			case "message_stop":
				fmt.Fprint(pw, "data: [DONE]\n\n")
			}
		}
	}()

	return pr
}
