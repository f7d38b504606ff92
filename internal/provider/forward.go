package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/errs"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	openaiDefaultBase    = "https://api.openai.com"
)

var versionPathRe = regexp.MustCompile(`/v\d+$`)

// Attempt is everything one lifecycle retry needs to issue a request: the
// resolved outgoing headers (authresolver's output), method/path, and the
// already-format-converted body.
type Attempt struct {
	Provider config.Provider
	Method   string
	Path     string
	Headers  map[string]string
	Body     []byte
}

// Forward issues one HTTP call against the provider and classifies the
// outcome. A non-nil *errs.Error is always the caller's cue to consult
// Retryable()/CountsAgainstHealth() before deciding what to do next; it is
// never returned alongside a non-nil *Response.
func Forward(ctx context.Context, client *http.Client, a Attempt) (*Response, *errs.Error) {
	targetURL := buildURL(a.Provider, a.Path)

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(a.Method), targetURL, newBodyReader(a.Body))
	if err != nil {
		return nil, errs.New(errs.ClientRequestError, "build request: "+err.Error(), 0, "")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(errs.Timeout, "attempt deadline exceeded", 0, "")
		}
		return nil, errs.New(errs.NetworkError, err.Error(), 0, "")
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		kind := errs.ClassifyStatus(resp.StatusCode)
		retryAfter := parseRetryAfter(headers["retry-after"])
		e := errs.New(kind, fmt.Sprintf("upstream returned %d", resp.StatusCode), resp.StatusCode, string(body))
		if retryAfter > 0 {
			e.Message += fmt.Sprintf(" (retry-after %s)", retryAfter)
		}
		return nil, e
	}

	isSSE := strings.Contains(headers["content-type"], "text/event-stream")
	if isSSE {
		pr, pw := io.Pipe()
		usage := &TokenUsage{}
		go func() {
			defer pw.Close()
			defer resp.Body.Close()
			tee := io.TeeReader(resp.Body, pw)
			extractStreamUsage(a.Provider.Type, tee, usage)
		}()
		return &Response{Status: resp.StatusCode, Headers: headers, Body: pr, IsStream: true, Usage: usage}, nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, errs.New(errs.NetworkError, "read response body: "+err.Error(), 0, "")
	}
	model, in, out, cacheRead, cacheWrite := extractBufferedUsage(a.Provider.Type, bodyBytes)

	return &Response{
		Status:           resp.StatusCode,
		Headers:          headers,
		Body:             io.NopCloser(bytes.NewReader(bodyBytes)),
		Model:            model,
		InputTokens:      in,
		OutputTokens:     out,
		CacheReadTokens:  cacheRead,
		CacheWriteTokens: cacheWrite,
	}, nil
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// buildURL resolves the provider's base (falling back to the dialect's
// public default) against path, applying the OpenAI-compatible quirks a
// handful of real aggregators need (Gemini's /v1beta/openai prefix, trimming
// a redundant /v1 segment when the base URL already carries a version).
func buildURL(pr config.Provider, path string) string {
	switch pr.Type {
	case config.ProviderAnthropic:
		base := anthropicDefaultBase
		if pr.BaseURL != "" {
			base = pr.BaseURL
		}
		return joinBase(base, path)

	default:
		base := openaiDefaultBase
		if pr.BaseURL != "" {
			base = pr.BaseURL
		}
		base = strings.TrimRight(base, "/")

		if strings.Contains(base, "generativelanguage.googleapis.com") {
			return base + "/v1beta/openai" + strings.Replace(path, "/v1/", "/", 1)
		}
		if versionPathRe.MatchString(base) {
			path = strings.Replace(path, "/v1/", "/", 1)
		}
		return base + path
	}
}

func joinBase(base, path string) string {
	parsed, err := url.Parse(base)
	if err != nil {
		return base + path
	}
	trimmed := strings.TrimRight(parsed.Path, "/")
	return fmt.Sprintf("%s://%s%s%s", parsed.Scheme, parsed.Host, trimmed, path)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		return time.Until(when)
	}
	return 0
}
