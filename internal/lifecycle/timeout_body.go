package lifecycle

import (
	"context"
	"io"
	"time"
)

// chunkTimeoutBody wraps an upstream response body so the attempt's deadline
// is measured per-read rather than cumulatively: every Read resets the
// watchdog, so a provider that goes silent mid-stream is caught within one
// chunk interval instead of only at some fixed overall ceiling. Close always
// releases the attempt's context, whether the body was fully drained or
// abandoned early.
type chunkTimeoutBody struct {
	io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
}

func newChunkTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *chunkTimeoutBody {
	return &chunkTimeoutBody{
		ReadCloser: body,
		timer:      time.AfterFunc(timeout, cancel),
		timeout:    timeout,
		cancel:     cancel,
	}
}

func (b *chunkTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.timer.Reset(b.timeout)
	return n, err
}

func (b *chunkTimeoutBody) Close() error {
	b.timer.Stop()
	defer b.cancel()
	return b.ReadCloser.Close()
}
