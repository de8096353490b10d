// Package core holds the shared error vocabulary of the dialogue providers
// and gateway surfaces.
package core

import "fmt"

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrProvider       ErrorType = "provider_error"
	ErrUnavailable    ErrorType = "unavailable_error"
	ErrAPI            ErrorType = "api_error"
)

// Error is a typed error with the fields the wire and the logs care about.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Retryable reports whether the same call may succeed later; provider
// chains use it to decide between falling through and giving up.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrProvider, ErrUnavailable, ErrAPI:
		return true
	default:
		return false
	}
}

// NewInvalidRequestError flags bad caller input; param names the offending
// field when known.
func NewInvalidRequestError(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewProviderError wraps an upstream provider failure.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: fmt.Sprintf("%s: %v", provider, underlying),
		Code:    provider,
		wrapped: underlying,
	}
}

// NewUnavailableError marks a dependency that is configured but not
// reachable right now.
func NewUnavailableError(message string) *Error {
	return &Error{Type: ErrUnavailable, Message: message}
}
