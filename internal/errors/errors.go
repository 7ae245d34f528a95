package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the BOL extraction worker
 *
 * Every failure that reaches a caller is a ProcessingError. Its Code maps to
 * exactly one envelope kind (error_type) so callers can branch on it.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Envelope-visible failures
	ErrorDependencyMissing ErrorCode = "DEPENDENCY_MISSING"
	ErrorInputInvalid      ErrorCode = "INPUT_INVALID"
	ErrorUpstreamFailure   ErrorCode = "UPSTREAM_FAILURE"

	// Worker-level failures
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
)

// Kind is the error_type value written into a failure envelope.
type Kind string

const (
	KindDependencyMissing Kind = "DependencyMissing"
	KindInputInvalid      Kind = "InputInvalid"
	KindUpstreamFailure   Kind = "UpstreamFailure"
	KindTimeout           Kind = "ProcessingTimeout"
	KindStorageFailed     Kind = "StorageFailed"
)

var kinds = map[ErrorCode]Kind{
	ErrorDependencyMissing: KindDependencyMissing,
	ErrorInputInvalid:      KindInputInvalid,
	ErrorUpstreamFailure:   KindUpstreamFailure,
	ErrorProcessingTimeout: KindTimeout,
	ErrorStorageFailed:     KindStorageFailed,
}

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Kind returns the envelope error_type for this error.
func (e *ProcessingError) Kind() Kind {
	if k, ok := kinds[e.Code]; ok {
		return k
	}
	return KindUpstreamFailure
}

// Factory functions for common errors

func NewDependencyMissingError(jobID string, dependency string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDependencyMissing,
		Message:   fmt.Sprintf("Required dependency not available: %s", dependency),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"dependency": dependency,
		},
		Cause: cause,
	}
}

func NewInputInvalidError(jobID string, reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInputInvalid,
		Message:   reason,
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInputInvalid,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewUpstreamFailureError(jobID string, stage string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUpstreamFailure,
		Message:   fmt.Sprintf("%s failed", stage),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stage": stage,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// Classify returns the ProcessingError carried by err. Anything else is
// reported as an upstream failure so that callers only ever see one shape.
func Classify(jobID string, err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe
	}
	return NewUpstreamFailureError(jobID, "processing", err)
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"error_type": string(e.Kind()),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// CodeFor returns the error code behind an envelope error_type. Unknown
// kinds map to UPSTREAM_FAILURE.
func CodeFor(kind Kind) ErrorCode {
	for code, k := range kinds {
		if k == kind {
			return code
		}
	}
	return ErrorUpstreamFailure
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Bad input and missing dependencies never will.
func Retryable(kind Kind) bool {
	switch kind {
	case KindUpstreamFailure, KindTimeout, KindStorageFailed:
		return true
	}
	return false
}
