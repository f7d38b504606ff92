// Package httpapi is the thin HTTP edge: it decodes the client's dialect
// (Anthropic Messages or OpenAI Chat Completions), hands a canonical
// Anthropic-shape body to the Request Lifecycle, and converts the result
// back to whatever the client asked for. It owns no routing, failover, or
// provider-health logic — that's the lifecycle's and the pool's job.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gatewayproxy/internal/convert"
	"gatewayproxy/internal/errs"
	"gatewayproxy/internal/lifecycle"
	"gatewayproxy/internal/oauthstore"
	"gatewayproxy/internal/pool"
	"gatewayproxy/internal/tokencount"
)

// Server holds the collaborators the HTTP handlers dispatch into.
type Server struct {
	lifecycle  *lifecycle.Lifecycle
	pool       *pool.Pool
	store      oauthstore.Store
	tokenCount *tokencount.Counter
	logger     *zap.Logger
}

// New builds the Server.
func New(l *lifecycle.Lifecycle, p *pool.Pool, store oauthstore.Store, tc *tokencount.Counter, logger *zap.Logger) *Server {
	return &Server{lifecycle: l, pool: p, store: store, tokenCount: tc, logger: logger}
}

// Handler returns the fully wired http.Handler, including the request-ID
// and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("POST /v1/messages/count_tokens", s.handleCountTokens)
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)

	return withRequestID(withCORS(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","timestamp":%q}`, time.Now().UTC().Format(time.RFC3339))
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pool.Snapshot()
	healthy := 0
	type providerView struct {
		Name         string `json:"name"`
		Type         string `json:"type"`
		Healthy      bool   `json:"healthy"`
		AccountEmail string `json:"account_email,omitempty"`
	}
	views := make([]providerView, 0, len(snapshot))
	for _, ps := range snapshot {
		if ps.Healthy {
			healthy++
		}
		views = append(views, providerView{
			Name:         ps.Name,
			Type:         string(ps.Type),
			Healthy:      ps.Healthy,
			AccountEmail: ps.AccountEmail,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"providers":        views,
		"healthy_providers": healthy,
	})
}

// handleMessages serves native Anthropic-dialect clients: the body is
// already the lifecycle's canonical shape.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, aerr := decodeBody(r)
	if aerr != nil {
		writeError(w, "anthropic", aerr)
		return
	}
	s.dispatch(w, r, body, "anthropic")
}

// handleChatCompletions serves OpenAI-dialect clients: convert in at the
// edge, convert the lifecycle's Anthropic-shape result back out.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	openaiBody, aerr := decodeBody(r)
	if aerr != nil {
		writeError(w, "openai", aerr)
		return
	}
	anthropicBody := convert.ToAnthropicRequest(openaiBody)
	if model, ok := openaiBody["model"].(string); ok {
		anthropicBody["model"] = model
	}
	s.dispatch(w, r, anthropicBody, "openai")
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, anthropicBody map[string]any, clientFormat string) {
	headers := lowercaseHeaders(r.Header)
	model, _ := anthropicBody["model"].(string)
	stream, _ := anthropicBody["stream"].(bool)

	if stream {
		s.streamResponse(w, r, anthropicBody, headers, clientFormat, model)
		return
	}

	resp, aerr := s.lifecycle.Execute(r.Context(), anthropicBody, headers)
	if aerr != nil {
		writeError(w, clientFormat, aerr)
		return
	}
	if clientFormat == "openai" {
		resp = convert.ToOpenAIResponse(resp, model)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, anthropicBody map[string]any, headers map[string]string, clientFormat, model string) {
	// Non-streaming client-disconnect cancels the upstream attempt
	// directly; the streaming-initiator's own disconnect must NOT. The
	// request's context only bounds the wait for the first frame here:
	// ExecuteStream runs the shared upstream attempt on a context of its
	// own, cancelled only once every subscriber has detached (§5's
	// cancellation semantics).
	anthropicStream, err := s.lifecycle.ExecuteStream(r.Context(), anthropicBody, headers)
	if err != nil {
		aerr, ok := err.(*errs.Error)
		if !ok {
			aerr = errs.New(errs.NetworkError, err.Error(), 0, "")
		}
		writeError(w, clientFormat, aerr)
		return
	}
	defer anthropicStream.Close()

	var outStream io.Reader = anthropicStream
	if clientFormat == "openai" {
		outStream = convert.StreamAnthropicToOpenAI(anthropicStream, model)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := outStream.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func decodeBody(r *http.Request) (map[string]any, *errs.Error) {
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, errs.New(errs.ClientRequestError, "failed to read request body", 0, "")
	}
	var body map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, errs.New(errs.ClientRequestError, "invalid JSON in request body", 0, "")
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func lowercaseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}

func writeError(w http.ResponseWriter, clientFormat string, e *errs.Error) {
	status := e.Kind.Status()
	if e.Kind == errs.ClientRequestError && e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 {
		status = e.UpstreamStatus
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if clientFormat == "openai" {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": e.Message, "type": string(e.Kind), "code": status},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": string(e.Kind), "message": e.Message},
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID stamps every request with a trace ID a client can correlate
// against logs, generating one when the caller didn't supply its own.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}
