// Package errors defines the typed API errors used throughout RelayStore.
package errors

import "fmt"

// APIError represents a RelayStore API error with a machine-readable code,
// human-readable message, and the HTTP status code to return.
type APIError struct {
	// Code is the error code (e.g., "SessionNotFound", "BlobWriteFailed").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 400, 404, 500).
	HTTPStatus int
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the APIError with the message replaced.
// The original sentinel value is never mutated.
func (e *APIError) WithMessage(format string, args ...interface{}) *APIError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Is matches APIErrors by code, so errors.Is recognizes WithMessage copies
// of a sentinel.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.Code == e.Code
}

// Pre-defined errors for common conditions.
var (
	// ErrValidation is returned when a required request field is missing or
	// malformed. Handlers replace the message with the specific complaint.
	ErrValidation = &APIError{
		Code:       "ValidationError",
		Message:    "Missing or malformed request field",
		HTTPStatus: 400,
	}

	// ErrNotFound is returned when the requested blob or record does not exist.
	ErrNotFound = &APIError{
		Code:       "NotFound",
		Message:    "The requested resource does not exist",
		HTTPStatus: 404,
	}

	// ErrUnknownShard is returned when a locator names a shard that is not in
	// the pool. Shard resolution is a configuration-class failure, not a
	// client error, so it surfaces as 500.
	ErrUnknownShard = &APIError{
		Code:       "UnknownShard",
		Message:    "No shard connection available for the requested name",
		HTTPStatus: 500,
	}

	// ErrNoShardsAvailable is returned when the shard pool is empty.
	ErrNoShardsAvailable = &APIError{
		Code:       "NoShardsAvailable",
		Message:    "No storage shards are available",
		HTTPStatus: 500,
	}

	// ErrSessionNotFound is returned when finalize is called for an upload
	// session that does not exist (never started, already finalized, or reaped).
	ErrSessionNotFound = &APIError{
		Code:       "SessionNotFound",
		Message:    "No chunks found for this upload",
		HTTPStatus: 400,
	}

	// ErrIncompleteUpload is returned when finalize is called before every
	// chunk slot is filled. The message names the lowest missing index.
	ErrIncompleteUpload = &APIError{
		Code:       "IncompleteUpload",
		Message:    "Upload is missing one or more chunks",
		HTTPStatus: 400,
	}

	// ErrBlobWriteFailed is returned when the shard write or the post-write
	// verification fails during commit. No metadata row exists afterwards.
	ErrBlobWriteFailed = &APIError{
		Code:       "BlobWriteFailed",
		Message:    "Failed to write blob to storage shard",
		HTTPStatus: 500,
	}

	// ErrMetadataWriteFailed is returned when the metadata write fails during
	// commit. The just-written blob has been rolled back by the time this
	// error surfaces.
	ErrMetadataWriteFailed = &APIError{
		Code:       "MetadataWriteFailed",
		Message:    "Failed to persist blob metadata",
		HTTPStatus: 500,
	}

	// ErrInternal is returned for unexpected internal failures.
	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}
)
