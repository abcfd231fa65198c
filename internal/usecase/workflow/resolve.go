package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"maestro/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)

// resolveTemplate substitutes ${...} placeholders in a step template.
// A name resolves against top-level inputs first, then a dotted
// "stepId.output" reference to a prior completed step, then the loop scope.
// Unresolvable placeholders stay verbatim.
func resolveTemplate(input string, inputs map[string]any, results func(string) (domain.StepResult, bool), scope map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return placeholderRe.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]

		if v, ok := inputs[name]; ok {
			return stringify(v)
		}

		if stepID, field, ok := strings.Cut(name, "."); ok && field == "output" {
			if r, found := results(stepID); found && r.Status == domain.StepCompleted {
				return r.Output
			}
		}

		if v, ok := scope[name]; ok {
			return v
		}

		return match
	})
}

// isTruthy applies the fixed condition rule: case-insensitive "false", "0",
// empty string, "null" and "undefined" are falsy, everything else is truthy.
func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "null", "undefined":
		return false
	}
	return true
}

// parseLoopItems turns a resolved "over" value into iteration items. A JSON
// array yields its elements; any other valid JSON value yields a single
// item; unparseable input falls back to a comma split.
func parseLoopItems(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		if list, ok := v.([]any); ok {
			items := make([]string, len(list))
			for i, item := range list {
				items[i] = stringify(item)
			}
			return items
		}
		return []string{stringify(v)}
	}

	parts := strings.Split(trimmed, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

// stringify renders an input or loop value for template substitution.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	case float64, bool, int:
		return fmt.Sprintf("%v", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
