package delivery

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

// Error is a classified error surfaced to management API callers.
type Error struct {
	Sentinel error  // ErrValidation, ErrNotFound or ErrInvalidState
	Message  string // human-readable message
	Field    string // offending field for validation errors
	Resource string // resource kind for not found errors
}

func (e *Error) Error() string { return e.Message }

// Unwrap returns the sentinel so errors.Is works on *Error values.
func (e *Error) Unwrap() error { return e.Sentinel }

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  fmt.Sprintf("%s: %s", field, message),
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// InvalidState creates an error for an operation that does not apply to the
// resource's current state.
func InvalidState(message string) error {
	return &Error{
		Sentinel: ErrInvalidState,
		Message:  message,
	}
}
