package usecase

import (
	"strings"
	"time"

	"maestro/internal/domain"
)

// maxStreamToolCalls bounds how many tool calls a single streamed response
// may open. Protects against a runaway or malformed delta stream.
const maxStreamToolCalls = 50

// streamAccumulator folds incremental deltas back into one assistant message.
// A delta that names a tool call (non-empty ID or Name) opens a new call;
// anonymous deltas append argument fragments to the most recently opened one.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
	args      []strings.Builder
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (s *streamAccumulator) addDelta(delta domain.StreamDelta) {
	s.content.WriteString(delta.Content)

	for _, tc := range delta.ToolCalls {
		if tc.ID != "" || tc.Name != "" {
			if len(s.toolCalls) >= maxStreamToolCalls {
				continue
			}
			s.toolCalls = append(s.toolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Name})
			s.args = append(s.args, strings.Builder{})
			if len(tc.Arguments) > 0 {
				s.args[len(s.args)-1].Write(tc.Arguments)
			}
			continue
		}
		if len(s.toolCalls) == 0 {
			// Argument fragment without an opened call; drop it.
			continue
		}
		if len(tc.Arguments) > 0 {
			s.args[len(s.args)-1].Write(tc.Arguments)
		}
	}

	if delta.Usage != nil {
		s.usage = *delta.Usage
	}
}

func (s *streamAccumulator) build() (domain.Message, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   s.content.String(),
		Timestamp: time.Now(),
	}
	for i := range s.toolCalls {
		call := s.toolCalls[i]
		if raw := s.args[i].String(); raw != "" {
			call.Arguments = []byte(raw)
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg, s.usage
}
