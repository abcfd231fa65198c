package goal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMarker(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Marker
	}{
		{"complete", "all done [GOAL_COMPLETE]", Marker{Signal: SignalComplete}},
		{"blocked with reason", "can't continue [BLOCKED: missing credentials]", Marker{Signal: SignalBlocked, Reason: "missing credentials"}},
		{"blocked empty reason", "[BLOCKED: ]", Marker{Signal: SignalBlocked}},
		{"step done", "step finished [GOAL_STEP_DONE] moving on", Marker{Signal: SignalStepDone}},
		{"no marker", "just some progress text", Marker{Signal: SignalNone}},
		{"complete wins over step done", "[GOAL_STEP_DONE] and also [GOAL_COMPLETE]", Marker{Signal: SignalComplete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMarker(tt.text))
		})
	}
}

func TestParseSteps(t *testing.T) {
	steps := ParseSteps("Here is the plan:\n1. Gather requirements\n2. Write the code\n3) Ship it\n")
	assert.Equal(t, []string{"Gather requirements", "Write the code", "Ship it"}, steps)
}

func TestParseStepsIndented(t *testing.T) {
	steps := ParseSteps("  1. first\n\t2. second")
	assert.Equal(t, []string{"first", "second"}, steps)
}

func TestParseStepsNoList(t *testing.T) {
	assert.Nil(t, ParseSteps("I would just do the thing directly."))
	assert.Nil(t, ParseSteps(""))
}
