package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStaleVersion      = "STALE_VERSION"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeUnknownStep       = "UNKNOWN_STEP"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeInterrupt         = "INTERRUPT_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeRollbackStrategy  = "ROLLBACK_STRATEGY"
	ErrCodeStore             = "STORE_ERROR"
)

// OrchestraError is the structured error type for all engine operations.
type OrchestraError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OrchestraError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrchestraError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is transient from the engine's point of view.
func (e *OrchestraError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeDispatch, ErrCodeTimeout, ErrCodeStaleVersion, ErrCodeExecution:
		return true
	default:
		return false
	}
}

// NewError creates an OrchestraError with the given code and message.
func NewError(code, message string) *OrchestraError {
	return &OrchestraError{Code: code, Message: message}
}

// NewErrorf creates an OrchestraError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrchestraError {
	return &OrchestraError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode returns a copy of the error scoped to a node execution.
func (e *OrchestraError) WithNode(nodeID string) *OrchestraError {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *OrchestraError) WithCause(cause error) *OrchestraError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithDetails returns a copy of the error with additional details.
func (e *OrchestraError) WithDetails(details map[string]any) *OrchestraError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsCode reports whether err (or anything it wraps) is an OrchestraError with the given code.
func IsCode(err error, code string) bool {
	var oe *OrchestraError
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}
