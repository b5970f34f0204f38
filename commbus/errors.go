package commbus

import (
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// NoHandlerError reports a Send or QuerySync for a message type no handler
// is registered against. Events fan out to zero subscribers without error;
// commands and queries need exactly one handler.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("commbus: no handler for %s", e.MessageType)
}

// NewNoHandlerError creates a NoHandlerError for the given message type.
func NewNoHandlerError(messageType string) *NoHandlerError {
	return &NoHandlerError{MessageType: messageType}
}

// HandlerAlreadyRegisteredError reports a second registration for a message
// type that already has its single handler.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("commbus: handler for %s already registered", e.MessageType)
}

// NewHandlerAlreadyRegisteredError creates a HandlerAlreadyRegisteredError
// for the given message type.
func NewHandlerAlreadyRegisteredError(messageType string) *HandlerAlreadyRegisteredError {
	return &HandlerAlreadyRegisteredError{MessageType: messageType}
}

// QueryTimeoutError reports a query whose handler did not answer within the
// bus's query timeout. For approval queries this is what turns an absent
// operator into a deny.
type QueryTimeoutError struct {
	MessageType string
	Timeout     float64
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("commbus: query %s timed out after %.1fs", e.MessageType, e.Timeout)
}

// NewQueryTimeoutError creates a QueryTimeoutError for the given message
// type and timeout in seconds.
func NewQueryTimeoutError(messageType string, timeout float64) *QueryTimeoutError {
	return &QueryTimeoutError{MessageType: messageType, Timeout: timeout}
}
