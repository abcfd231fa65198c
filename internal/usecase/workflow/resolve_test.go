package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"maestro/internal/domain"
)

func TestIsTruthy(t *testing.T) {
	falsy := []string{"", "false", "FALSE", "False", "0", "null", "NULL", "undefined", "  false  "}
	for _, s := range falsy {
		assert.False(t, isTruthy(s), "expected %q to be falsy", s)
	}
	truthy := []string{"true", "1", "yes", "no", "anything", "[]"}
	for _, s := range truthy {
		assert.True(t, isTruthy(s), "expected %q to be truthy", s)
	}
}

func TestParseLoopItems(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, parseLoopItems(`["a","b","c"]`))
	assert.Equal(t, []string{"1", "2"}, parseLoopItems(`[1, 2]`))
	assert.Equal(t, []string{"42"}, parseLoopItems(`42`), "non-array JSON becomes a single item")
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, parseLoopItems("alpha, beta, gamma"), "unparseable input falls back to comma split")
	assert.Nil(t, parseLoopItems(""))
}

func TestResolveTemplate(t *testing.T) {
	inputs := map[string]any{"topic": "go", "count": float64(3)}
	results := func(id string) (domain.StepResult, bool) {
		switch id {
		case "step1":
			return domain.StepResult{Status: domain.StepCompleted, Output: "step one output"}, true
		case "pending":
			return domain.StepResult{Status: domain.StepRunning}, true
		}
		return domain.StepResult{}, false
	}
	scope := map[string]string{"item": "current"}

	got := resolveTemplate("write about ${topic}, ${count} times", inputs, results, scope)
	assert.Equal(t, "write about go, 3 times", got)

	got = resolveTemplate("previous said: ${step1.output}", inputs, results, scope)
	assert.Equal(t, "previous said: step one output", got)

	got = resolveTemplate("loop item ${item}", inputs, results, scope)
	assert.Equal(t, "loop item current", got)

	// Unresolvable and incomplete references stay verbatim.
	assert.Equal(t, "${missing}", resolveTemplate("${missing}", inputs, results, scope))
	assert.Equal(t, "${pending.output}", resolveTemplate("${pending.output}", inputs, results, scope))
}
