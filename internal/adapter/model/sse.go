package model

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"maestro/internal/domain"
)

// maxSSELine bounds a single stream line. Tool argument fragments can get
// large when the model emits a whole document in one delta.
const maxSSELine = 1 << 20

// sseEvent is one framed server-sent event: the event name, empty when the
// server sent none, and the joined data payload.
type sseEvent struct {
	name string
	data []byte
}

// parseSSEStream frames server-sent events from body and converts each into
// a StreamDelta with the provider-specific decode function. Events are
// delimited by blank lines; multiple data fields within one event are
// joined with newlines. The returned channel closes when the stream ends,
// a decoded delta reports Done, or ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, decode func(evt sseEvent) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		var evt sseEvent

		// flush dispatches the pending event. It reports false when the
		// stream is finished and the reader should stop.
		flush := func() bool {
			defer func() { evt = sseEvent{} }()
			if len(evt.data) == 0 {
				return true
			}
			if bytes.Equal(evt.data, []byte("[DONE]")) {
				select {
				case ch <- domain.StreamDelta{Done: true}:
				case <-ctx.Done():
				}
				return false
			}
			delta, err := decode(evt)
			if err != nil || delta == nil {
				// Unknown or malformed events are skipped, not fatal.
				return true
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return false
			}
			return !delta.Done
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Bytes()
			switch {
			case len(line) == 0:
				if !flush() {
					return
				}
			case line[0] == ':':
				// Comment line, used by servers as a keep-alive.
			case bytes.HasPrefix(line, []byte("event:")):
				evt.name = string(fieldValue(line, len("event:")))
			case bytes.HasPrefix(line, []byte("data:")):
				if len(evt.data) > 0 {
					evt.data = append(evt.data, '\n')
				}
				evt.data = append(evt.data, fieldValue(line, len("data:"))...)
			}
		}

		// A final event without a trailing blank line still counts.
		if !flush() {
			return
		}
		// A transport error mid-stream still terminates the consumer.
		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.StreamDelta{Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// fieldValue strips the field prefix and the single optional space the SSE
// format allows after the colon.
func fieldValue(line []byte, prefixLen int) []byte {
	v := line[prefixLen:]
	if len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}
	return v
}
