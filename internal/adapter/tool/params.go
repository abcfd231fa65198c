package tool

import (
	"encoding/json"
	"fmt"

	"maestro/internal/domain"
)

// ParseParams unmarshals raw tool params into P. On failure it returns a
// non-nil error ToolResult that should be handed back to the model as-is.
func ParseParams[P any](raw json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return p, nil
}

// RequireFields validates required string fields given as name/value pairs.
func RequireFields(kvs ...string) error {
	if len(kvs)%2 != 0 {
		return fmt.Errorf("RequireFields: odd number of arguments")
	}
	for i := 0; i < len(kvs); i += 2 {
		if kvs[i+1] == "" {
			return fmt.Errorf("'%s' is required", kvs[i])
		}
	}
	return nil
}

// ErrResult builds an error ToolResult for the model.
func ErrResult(format string, args ...any) *domain.ToolResult {
	return &domain.ToolResult{IsError: true, Content: fmt.Sprintf(format, args...)}
}

// JSONResult marshals v into a success ToolResult.
func JSONResult(v any) *domain.ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrResult("encode result: %v", err)
	}
	return &domain.ToolResult{Content: string(data)}
}
