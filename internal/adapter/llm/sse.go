package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// maxSSELine bounds a single SSE line. Tool-call argument fragments are
// small, but some gateways send whole arguments in one event.
const maxSSELine = 4 * 1024 * 1024

// sseEvent is one decoded data payload, the [DONE] marker, or a read error.
type sseEvent struct {
	chunk *openaiStreamChunk
	done  bool
	err   error
}

// parseSSEStream reads SSE-formatted lines from body and decodes each data
// payload as a stream chunk. The returned channel is closed when the stream
// ends, the body fails, or ctx is cancelled; body is closed on exit.
// Unparseable payloads are skipped.
func parseSSEStream(ctx context.Context, body io.ReadCloser) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(ev sseEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			// Skip empty lines, comments and non-data fields.
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				send(sseEvent{done: true})
				return
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				continue
			}
			if !send(sseEvent{chunk: &chunk}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(sseEvent{err: fmt.Errorf("read stream: %w", err)})
		}
	}()
	return ch
}
