package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when optimistic locking fails
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrSourceBusy is returned when a source already has a run in flight
	ErrSourceBusy = errors.New("source is already being processed")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// wrapDBError annotates a database failure with the operation that hit it.
func wrapDBError(op string, err error) error {
	return fmt.Errorf("failed to %s: %w", op, err)
}

// SimilarSourceError is returned when a new source looks like a duplicate of
// an existing one. Carries enough context for the caller to surface the match.
type SimilarSourceError struct {
	ExistingID   string
	ExistingName string
	Similarity   float64
}

func (e *SimilarSourceError) Error() string {
	return fmt.Sprintf("source is too similar to existing source '%s' (%s, similarity %.2f)",
		e.ExistingName, e.ExistingID, e.Similarity)
}

// IsSimilarSourceError checks if an error is a similar-source conflict
func IsSimilarSourceError(err error) bool {
	var se *SimilarSourceError
	return errors.As(err, &se)
}
