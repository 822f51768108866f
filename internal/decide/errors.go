package decide

import (
	"errors"
	"fmt"
)

// ValidationError reports a mention the engine refuses to decide on.
// Malformed input is never coerced into a CREATE_NEW outcome.
type ValidationError struct {
	// Code identifies the error category.
	Code ValidationErrorCode

	// Field names the offending input field, when one applies.
	Field string

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string
}

// ValidationErrorCode categorizes validation errors.
type ValidationErrorCode string

const (
	// ErrCodeEmptyText indicates the mention text is empty after normalization.
	ErrCodeEmptyText ValidationErrorCode = "EMPTY_TEXT"

	// ErrCodeMissingField indicates a required field is absent.
	ErrCodeMissingField ValidationErrorCode = "MISSING_FIELD"

	// ErrCodeUnknownType indicates an entity type outside the configured set.
	ErrCodeUnknownType ValidationErrorCode = "UNKNOWN_TYPE"

	// ErrCodeBadOffsets indicates negative offsets or end before start.
	ErrCodeBadOffsets ValidationErrorCode = "BAD_OFFSETS"
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationCode returns the code of a wrapped ValidationError, or "".
func ValidationCode(err error) ValidationErrorCode {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

func newValidationError(code ValidationErrorCode, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}
