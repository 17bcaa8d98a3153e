package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCategory  ErrorCategory
		wantRetryable bool
	}{
		{
			name:          "deadline exceeded is a retryable timeout",
			err:           context.DeadlineExceeded,
			wantCategory:  CategoryTimeout,
			wantRetryable: true,
		},
		{
			name:          "wrapped deadline exceeded is still a timeout",
			err:           fmt.Errorf("stage gave up: %w", context.DeadlineExceeded),
			wantCategory:  CategoryTimeout,
			wantRetryable: true,
		},
		{
			name:          "validation failures never retry",
			err:           errors.New("validation: missing response mapping"),
			wantCategory:  CategoryValidation,
			wantRetryable: false,
		},
		{
			name:          "missing content is a validation failure",
			err:           errors.New("record has missing content"),
			wantCategory:  CategoryValidation,
			wantRetryable: false,
		},
		{
			name:          "http 500 retries",
			err:           &HTTPStatusError{StatusCode: 500, URL: "https://api.example.gov/v1"},
			wantCategory:  CategoryAPI,
			wantRetryable: true,
		},
		{
			name:          "http 429 retries",
			err:           fmt.Errorf("list page: %w", &HTTPStatusError{StatusCode: 429, URL: "https://api.example.gov/v1"}),
			wantCategory:  CategoryAPI,
			wantRetryable: true,
		},
		{
			name:          "http 404 does not retry",
			err:           &HTTPStatusError{StatusCode: 404, URL: "https://api.example.gov/v1"},
			wantCategory:  CategoryAPI,
			wantRetryable: false,
		},
		{
			name:          "http 400 does not retry",
			err:           &HTTPStatusError{StatusCode: 400, URL: "https://api.example.gov/v1"},
			wantCategory:  CategoryAPI,
			wantRetryable: false,
		},
		{
			name:          "network error without status retries",
			err:           errors.New("fetch failed: connection reset by peer"),
			wantCategory:  CategoryAPI,
			wantRetryable: true,
		},
		{
			name:          "plain timeout message",
			err:           errors.New("operation timed out after 30s"),
			wantCategory:  CategoryTimeout,
			wantRetryable: true,
		},
		{
			name:          "duplicate rejection",
			err:           errors.New("duplicate opportunity rejected"),
			wantCategory:  CategoryDuplicate,
			wantRetryable: false,
		},
		{
			name:          "storage constraint does not retry",
			err:           errors.New("storage: unique constraint violated"),
			wantCategory:  CategoryStorage,
			wantRetryable: false,
		},
		{
			name:          "transient database error retries",
			err:           errors.New("database: connection refused"),
			wantCategory:  CategoryStorage,
			wantRetryable: true,
		},
		{
			name:          "database deadlock retries",
			err:           errors.New("database: deadlock detected"),
			wantCategory:  CategoryStorage,
			wantRetryable: true,
		},
		{
			name:          "unknown errors default to processing",
			err:           errors.New("something unexpected"),
			wantCategory:  CategoryProcessing,
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, "data_extraction")
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCategory, got.Category)
			assert.Equal(t, tt.wantRetryable, got.Retryable)
			assert.Equal(t, "data_extraction", got.Stage)
		})
	}
}

func TestClassify_NilError(t *testing.T) {
	assert.Nil(t, Classify(nil, "storage"))
}

func TestClassify_PassesThroughClassifiedErrors(t *testing.T) {
	original := &ClassifiedError{
		Category:  CategoryDuplicate,
		Retryable: false,
		Stage:     "early_duplicate_detector",
		Message:   "already seen",
	}

	got := Classify(fmt.Errorf("wrapped: %w", original), "storage")
	assert.Same(t, original, got, "already-classified errors must not be reclassified")
}

func TestClassifiedError_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")
	ce := Classify(fmt.Errorf("fetch: %w", cause), "data_extraction")
	assert.True(t, errors.Is(ce, cause))
}
