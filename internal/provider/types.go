// Package provider performs the HTTP call of one lifecycle attempt: it takes
// an already-resolved header set (from authresolver) and an
// already-format-converted body (from convert) and returns either a
// buffered response or a streaming one, plus whatever usage numbers it could
// read off the wire. It never decides retry policy — that's the lifecycle's
// and the pool's job, driven by the errs.Kind this package classifies a
// failed attempt into.
package provider

import (
	"io"
	"sync/atomic"
)

// TokenUsage accumulates token counts as a streaming response is read, so a
// caller tee-ing the body can read the final tally after EOF without
// blocking on it mid-stream.
type TokenUsage struct {
	InputTokens      atomic.Int64
	OutputTokens     atomic.Int64
	CacheReadTokens  atomic.Int64
	CacheWriteTokens atomic.Int64
	Model            atomic.Value // string
}

// ModelName returns the model the usage was attributed to, or "".
func (u *TokenUsage) ModelName() string {
	if u == nil {
		return ""
	}
	if v, ok := u.Model.Load().(string); ok {
		return v
	}
	return ""
}

// Response is what one forwarded attempt produced, before any format
// conversion back to the client's dialect.
type Response struct {
	Status  int
	Headers map[string]string
	Body    io.ReadCloser

	IsStream bool
	// Usage is populated as the stream is drained; valid only after Body
	// reaches EOF. Nil for non-streaming responses (see the *Tokens fields
	// instead).
	Usage *TokenUsage

	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
