package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the CurrencyScan worker
 *
 * The scorer itself cannot fail; these codes describe failures of the
 * surrounding pipeline (loading, recognition, storage, deadlines).
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorFileLoadFailed    ErrorCode = "FILE_LOAD_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	// Request errors
	ErrorInvalidRequest ErrorCode = "INVALID_REQUEST"
)

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

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Scan timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewOCRFailedError(jobID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("Text recognition failed in engine: %s", engine),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewFileLoadFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorFileLoadFailed,
		Message:   "Failed to load scan image",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store scan results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidRequestError(jobID string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidRequest,
		Message:   reason,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain
func CodeOf(err error) (ErrorCode, bool) {
	for err != nil {
		if pe, ok := err.(*ProcessingError); ok {
			return pe.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}

// ToMap converts error to map for job status storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
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
