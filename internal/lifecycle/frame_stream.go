package lifecycle

import (
	"io"

	"gatewayproxy/internal/dedup"
)

// frameStream turns a dedup.Subscriber's channel of frames into an
// io.ReadCloser of raw SSE bytes, replaying the already-received first
// frame before continuing to drain the channel. Closing it early detaches
// the subscriber, which lets the broadcaster notice the session has gone
// idle if this was the last one watching.
type frameStream struct {
	sess *dedup.Session
	sub  *dedup.Subscriber
	pr   *io.PipeReader
}

func newFrameStream(sess *dedup.Session, sub *dedup.Subscriber, first dedup.Frame) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		if writeFrame(pw, first) != nil {
			return
		}
		for f := range sub.Frames() {
			if writeFrame(pw, f) != nil {
				return
			}
		}
	}()
	return &frameStream{sess: sess, sub: sub, pr: pr}
}

func (f *frameStream) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *frameStream) Close() error {
	f.sess.Detach(f.sub)
	return f.pr.Close()
}
