package lifecycle

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gatewayproxy/internal/dedup"
)

// splitFrames reads an Anthropic-format SSE byte stream and calls fn once
// per complete "event: ...\ndata: ...\n\n" frame, in order. It returns once
// the reader is exhausted or fn returns false to stop early.
func splitFrames(r io.Reader, fn func(dedup.Frame) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data strings.Builder

	flush := func() bool {
		if event == "" && data.Len() == 0 {
			return true
		}
		ok := fn(dedup.Frame{Event: event, Data: []byte(data.String())})
		event = ""
		data.Reset()
		return ok
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	return scanner.Err()
}

// writeFrame re-serializes a captured frame back onto the wire exactly as
// the Anthropic streaming format expects it.
func writeFrame(w io.Writer, f dedup.Frame) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	return err
}
