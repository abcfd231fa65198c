package model

import (
	"context"
	"io"
	"strings"
	"testing"

	"maestro/internal/domain"
)

func collectDeltas(t *testing.T, stream string, decode func(evt sseEvent) (*domain.StreamDelta, error)) []domain.StreamDelta {
	t.Helper()
	body := io.NopCloser(strings.NewReader(stream))
	var out []domain.StreamDelta
	for d := range parseSSEStream(context.Background(), body, decode) {
		out = append(out, d)
	}
	return out
}

func textDecode(evt sseEvent) (*domain.StreamDelta, error) {
	return &domain.StreamDelta{Content: string(evt.data)}, nil
}

func TestSSEFraming(t *testing.T) {
	stream := "event: chunk\ndata: one\n\n: keep-alive\n\ndata: two\n\n"

	var names []string
	deltas := collectDeltas(t, stream, func(evt sseEvent) (*domain.StreamDelta, error) {
		names = append(names, evt.name)
		return textDecode(evt)
	})

	if len(deltas) != 2 || deltas[0].Content != "one" || deltas[1].Content != "two" {
		t.Fatalf("deltas = %+v", deltas)
	}
	// The event name tracks per event and resets on the blank line.
	if len(names) != 2 || names[0] != "chunk" || names[1] != "" {
		t.Errorf("names = %v", names)
	}
}

func TestSSEMultiLineData(t *testing.T) {
	stream := "data: line a\ndata: line b\n\n"

	deltas := collectDeltas(t, stream, textDecode)
	if len(deltas) != 1 || deltas[0].Content != "line a\nline b" {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestSSEDoneSentinelStopsStream(t *testing.T) {
	stream := "data: first\n\ndata: [DONE]\n\ndata: after\n\n"

	deltas := collectDeltas(t, stream, textDecode)
	if len(deltas) != 2 {
		t.Fatalf("deltas = %+v", deltas)
	}
	if deltas[0].Content != "first" || !deltas[1].Done {
		t.Errorf("deltas = %+v", deltas)
	}
}

func TestSSEFinalEventWithoutTrailingBlank(t *testing.T) {
	stream := "data: tail"

	deltas := collectDeltas(t, stream, textDecode)
	if len(deltas) != 1 || deltas[0].Content != "tail" {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestSSESkipsMalformedEvents(t *testing.T) {
	stream := "data: bad\n\ndata: good\n\n"

	deltas := collectDeltas(t, stream, func(evt sseEvent) (*domain.StreamDelta, error) {
		if string(evt.data) == "bad" {
			return nil, io.ErrUnexpectedEOF
		}
		return textDecode(evt)
	})
	if len(deltas) != 1 || deltas[0].Content != "good" {
		t.Fatalf("deltas = %+v", deltas)
	}
}
