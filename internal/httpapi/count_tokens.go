package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"gatewayproxy/internal/authresolver"
	"gatewayproxy/internal/config"
	"gatewayproxy/internal/provider"
)

// handleCountTokens implements §4.7: try the upstream's native counter
// through a healthy anthropic provider first, recording the outcome on its
// independent sub-breaker, and fall back to the local BPE estimate whenever
// no such provider exists or the native call fails.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, aerr := decodeBody(r)
	if aerr != nil {
		writeError(w, "anthropic", aerr)
		return
	}

	if pr, ok := s.pool.SelectHealthyAnthropic(); ok && s.pool.IsCountTokensAvailable(pr) {
		if n, ok := s.nativeCount(r, pr, body); ok {
			s.pool.MarkCountTokensSuccess(pr)
			writeJSON(w, map[string]any{"input_tokens": n})
			return
		}
		s.pool.MarkCountTokensFailed(pr)
	}

	n := s.tokenCount.Estimate(body)
	writeJSON(w, map[string]any{"input_tokens": n})
}

func (s *Server) nativeCount(r *http.Request, pr config.Provider, body map[string]any) (int, bool) {
	headers := lowercaseHeaders(r.Header)
	outHeaders, err := authresolver.Resolve(pr, headers, s.store)
	if err != nil {
		return 0, false
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return 0, false
	}
	outHeaders["content-length"] = authresolver.ContentLength(bodyBytes)

	client := &http.Client{}
	resp, aerr := provider.Forward(r.Context(), client, provider.Attempt{
		Provider: pr,
		Method:   "POST",
		Path:     "/v1/messages/count_tokens?beta=true",
		Headers:  outHeaders,
		Body:     bodyBytes,
	})
	if aerr != nil {
		return 0, false
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return 0, false
	}
	var parsed struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, false
	}
	return parsed.InputTokens, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
