// ABOUTME: Line-framed stream reader for the backend's streaming invoke
// ABOUTME: Parses "data: {json}" frames into StreamChunk events

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// streamDone is the sentinel payload marking the end of a stream.
const streamDone = "[DONE]"

// streamFrame is the JSON payload of one "data:" line.
type streamFrame struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// readStream consumes the response body line by line, forwarding content
// chunks to out. Exactly one terminal chunk (Done=true) is sent before the
// channel closes, whether the stream ended cleanly, errored, or the body
// closed early.
func (c *HTTPClient) readStream(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	// Close the body when the context is cancelled so the scanner unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == streamDone {
			out <- StreamChunk{Done: true}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			c.logger.Warn("dropping malformed stream frame", "error", err)
			continue
		}
		if frame.Error != "" {
			out <- StreamChunk{Done: true, Err: frame.Error}
			return
		}
		out <- StreamChunk{Content: frame.Content}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		out <- StreamChunk{Done: true, Err: err.Error()}
		return
	}

	// Upstream closed without a [DONE] marker; treat as clean completion.
	out <- StreamChunk{Done: true}
}
