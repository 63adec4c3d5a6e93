package campoquery

import (
	"errors"
	"fmt"
)

// Error codes used across the agent. External-call failures are caught
// at the component that made the call and converted into one of these;
// raw errors never cross into the orchestrator.
const (
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeRemoteQuery = "REMOTE_QUERY_ERROR"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeConnection  = "CONNECTION_ERROR"
	ErrCodeModel       = "MODEL_ERROR"
	ErrCodeState       = "STATE_ERROR"
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

var (
	// ErrConversationNotFound indicates the conversation was not found.
	ErrConversationNotFound = errors.New("conversation not found")
)

// AgentError is a classified error with a technical message kept
// server-side. User-visible text is always produced separately.
type AgentError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a classified error.
func NewAgentError(code, message string, err error) *AgentError {
	return &AgentError{Code: code, Message: message, Err: err}
}

// NewConfigError creates a CONFIG_ERROR.
func NewConfigError(message string, err error) *AgentError {
	return NewAgentError(ErrCodeConfig, message, err)
}

// NewModelError creates a MODEL_ERROR.
func NewModelError(message string, err error) *AgentError {
	return NewAgentError(ErrCodeModel, message, err)
}

// NewStateError creates a STATE_ERROR.
func NewStateError(message string, err error) *AgentError {
	return NewAgentError(ErrCodeState, message, err)
}

// NewStorageError creates a STORAGE_ERROR.
func NewStorageError(message string, err error) *AgentError {
	return NewAgentError(ErrCodeStorage, message, err)
}

// ErrorCode extracts the classification code from err, or
// INTERNAL_ERROR when err is not an AgentError.
func ErrorCode(err error) string {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Code
	}
	return ErrCodeInternal
}
