package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, wrapped by DomainError at call sites.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrAgentNotFound    = fmt.Errorf("agent not found")
	ErrAgentTerminated  = fmt.Errorf("agent terminated")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrToolFailure      = fmt.Errorf("tool execution failed")
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrMaxIterations    = fmt.Errorf("agent reached max iterations")
	ErrWorkflowNotFound = fmt.Errorf("workflow not found")
	ErrRunNotFound      = fmt.Errorf("workflow run not found")
	ErrStepFailed       = fmt.Errorf("workflow step failed")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrBudgetExceeded   = fmt.Errorf("budget exceeded")
	ErrStoreWrite       = fmt.Errorf("store write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Engine.StartRun")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "budget")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for
// ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"

	CodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentTerminated  ErrorCode = "AGENT_TERMINATED"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure      ErrorCode = "TOOL_FAILURE"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeMaxIterations    ErrorCode = "MAX_ITERATIONS"
	CodeWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	CodeStepFailed       ErrorCode = "WORKFLOW_STEP_FAILED"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeBudgetExceeded   ErrorCode = "BUDGET_EXCEEDED"
	CodeStoreWrite       ErrorCode = "STORE_WRITE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeWorkflowInvalid ErrorCode = "WORKFLOW_INVALID_STEP"
	CodeScheduleInvalid ErrorCode = "SCHEDULE_INVALID"
	CodeGoalNotFound    ErrorCode = "GOAL_NOT_FOUND"
	CodeDefNotFound     ErrorCode = "DEFINITION_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrAgentNotFound:    CodeAgentNotFound,
	ErrAgentTerminated:  CodeAgentTerminated,
	ErrToolNotFound:     CodeToolNotFound,
	ErrToolFailure:      CodeToolFailure,
	ErrSessionNotFound:  CodeSessionNotFound,
	ErrMaxIterations:    CodeMaxIterations,
	ErrWorkflowNotFound: CodeWorkflowNotFound,
	ErrRunNotFound:      CodeRunNotFound,
	ErrStepFailed:       CodeStepFailed,
	ErrRateLimit:        CodeRateLimit,
	ErrBudgetExceeded:   CodeBudgetExceeded,
	ErrStoreWrite:       CodeStoreWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"workflow": CodeWorkflowNotFound,
		"goal":     CodeGoalNotFound,
		"agent":    CodeAgentNotFound,
		"run":      CodeRunNotFound,
		"def":      CodeDefNotFound,
	},
	ErrInvalidInput: {
		"workflow": CodeWorkflowInvalid,
		"schedule": CodeScheduleInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
