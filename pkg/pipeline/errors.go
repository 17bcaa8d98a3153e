package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyTerminal reports a terminal run transition that lost to an
// earlier completer (timeout guard, orphan sweep, or the coordinator itself).
var ErrAlreadyTerminal = errors.New("run is already terminal")

// ErrorCategory classifies a pipeline failure for retry decisions and
// failure-breakdown reporting.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "VALIDATION_ERROR"
	CategoryAPI        ErrorCategory = "API_ERROR"
	CategoryTimeout    ErrorCategory = "TIMEOUT_ERROR"
	CategoryDuplicate  ErrorCategory = "DUPLICATE_REJECTION"
	CategoryStorage    ErrorCategory = "STORAGE_ERROR"
	CategoryProcessing ErrorCategory = "PROCESSING_ERROR"
)

// HTTPStatusError carries the status code of a failed upstream API call so
// the classifier can decide retryability.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("api request to %s failed with HTTP %d", e.URL, e.StatusCode)
}

// ClassifiedError is the classifier's verdict on a raw error.
type ClassifiedError struct {
	Category  ErrorCategory
	Retryable bool
	Stage     string
	Message   string
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Stage, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify tags an error with a category and a retryable flag based on its
// cause chain and message. Already-classified errors pass through unchanged.
func Classify(err error, stage string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	classified := &ClassifiedError{
		Stage:   stage,
		Message: err.Error(),
		Err:     err,
	}

	msg := strings.ToLower(err.Error())

	var httpErr *HTTPStatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		classified.Category = CategoryTimeout
		classified.Retryable = true

	case containsAny(msg, "validation", "missing content", "missing scoring"):
		classified.Category = CategoryValidation
		classified.Retryable = false

	case errors.As(err, &httpErr):
		classified.Category = CategoryAPI
		classified.Retryable = retryableHTTPStatus(httpErr.StatusCode)

	case containsAny(msg, "api", "network", "fetch", "http"):
		classified.Category = CategoryAPI
		// No status code in the chain means the failure happened before a
		// response arrived (DNS, connect, reset). Worth retrying.
		classified.Retryable = true

	case containsAny(msg, "timeout", "timed out"):
		classified.Category = CategoryTimeout
		classified.Retryable = true

	case strings.Contains(msg, "duplicate"):
		classified.Category = CategoryDuplicate
		classified.Retryable = false

	case containsAny(msg, "storage", "database", "constraint"):
		classified.Category = CategoryStorage
		classified.Retryable = containsAny(msg, "connection", "deadlock", "serialization", "too many clients")

	default:
		classified.Category = CategoryProcessing
		classified.Retryable = false
	}

	return classified
}

func retryableHTTPStatus(status int) bool {
	switch status {
	case 408, 425, 429:
		return true
	}
	return status >= 500 && status <= 599
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
