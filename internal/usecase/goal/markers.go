package goal

import (
	"regexp"
	"strings"
)

// Signal is the control-flow outcome parsed from a turn's response text.
type Signal int

const (
	SignalNone Signal = iota
	SignalStepDone
	SignalComplete
	SignalBlocked
)

// Marker is the parsed control marker of one response.
type Marker struct {
	Signal Signal
	Reason string // populated for SignalBlocked
}

const (
	markerComplete = "[GOAL_COMPLETE]"
	markerStepDone = "[GOAL_STEP_DONE]"
)

var (
	blockedRe = regexp.MustCompile(`\[BLOCKED:\s*([^\]]*)\]`)
	stepRe    = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
)

// ParseMarker scans response text for the goal control markers. The markers
// are mutually exclusive; completion wins over blocked wins over step-done.
func ParseMarker(text string) Marker {
	if strings.Contains(text, markerComplete) {
		return Marker{Signal: SignalComplete}
	}
	if m := blockedRe.FindStringSubmatch(text); m != nil {
		return Marker{Signal: SignalBlocked, Reason: strings.TrimSpace(m[1])}
	}
	if strings.Contains(text, markerStepDone) {
		return Marker{Signal: SignalStepDone}
	}
	return Marker{Signal: SignalNone}
}

// ParseSteps extracts an ordered numbered list ("1. ...", "2) ...") from
// decomposition output. Returns nil when no list is present.
func ParseSteps(text string) []string {
	matches := stepRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	steps := make([]string, 0, len(matches))
	for _, m := range matches {
		step := strings.TrimSpace(m[1])
		if step != "" {
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		return nil
	}
	return steps
}
