package tokencount

import "testing"

func TestEstimate_TextMessage(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hello world"},
		},
	}
	got := c.Estimate(body)
	if got <= 0 {
		t.Errorf("Estimate = %d, want > 0", got)
	}
}

func TestEstimate_ImageBlockFixedCost(t *testing.T) {
	c, _ := New()
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "image", "source": map[string]any{"type": "base64", "media_type": "image/png", "data": "xx"}},
				},
			},
		},
	}
	got := c.Estimate(body)
	if got != imageBlockTokens {
		t.Errorf("Estimate = %d, want %d", got, imageBlockTokens)
	}
}

func TestEstimate_SystemAndTools(t *testing.T) {
	c, _ := New()
	withExtras := map[string]any{
		"system": "be concise",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
		"tools": []any{
			map[string]any{"name": "get_weather", "description": "fetch weather", "input_schema": map[string]any{"type": "object"}},
		},
	}
	withoutExtras := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	if c.Estimate(withExtras) <= c.Estimate(withoutExtras) {
		t.Error("system and tools should add to the token estimate")
	}
}

func TestEstimate_ToolResultBlock(t *testing.T) {
	c, _ := New()
	body := map[string]any{
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "tool_result", "tool_use_id": "t1", "content": "sunny and 75F"},
				},
			},
		},
	}
	if c.Estimate(body) <= 0 {
		t.Error("tool_result content should contribute tokens")
	}
}
