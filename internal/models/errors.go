package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel wrapped by storage lookups for missing records.
// The retry classifier treats it as permanent.
var ErrNotFound = errors.New("record not found")

// ValidationError marks bad input that can never succeed on retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
