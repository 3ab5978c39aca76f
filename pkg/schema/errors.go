package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeDecode            = "DECODE_ERROR"
	ErrCodeResolution        = "RESOLUTION_FAILED"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeBackend           = "BACKEND_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
)

// PulseError is the structured error type for all pulse operations.
type PulseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PulseError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PulseError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PulseError.
func NewError(code, message string) *PulseError {
	return &PulseError{Code: code, Message: message}
}

// NewErrorf creates a new PulseError with a formatted message.
func NewErrorf(code, format string, args ...any) *PulseError {
	return &PulseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *PulseError) WithNode(nodeID string) *PulseError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *PulseError) WithCause(err error) *PulseError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PulseError) WithDetails(details map[string]any) *PulseError {
	e.Details = details
	return e
}
