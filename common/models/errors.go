package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable failure class
type ErrorCode string

const (
	CodeValidationFailed ErrorCode = "ValidationFailed"
	CodeNotFound         ErrorCode = "NotFound"
	CodeInvalidState     ErrorCode = "InvalidState"
	CodeTransient        ErrorCode = "Transient"
	CodePermanent        ErrorCode = "Permanent"
	CodeTimeout          ErrorCode = "Timeout"
	CodeCancelled        ErrorCode = "Cancelled"
	CodeRateLimited      ErrorCode = "RateLimited"
	CodeInternal         ErrorCode = "Internal"
)

// ValidationError reports a rejected workflow definition with ordered findings
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %d error(s)", len(e.Errors))
}

// Code returns the stable error class
func (e *ValidationError) Code() ErrorCode { return CodeValidationFailed }

// NotFoundError reports an absent entity
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Code returns the stable error class
func (e *NotFoundError) Code() ErrorCode { return CodeNotFound }

// NewNotFound builds a NotFoundError for the given entity and id
func NewNotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidStateError reports an operation forbidden by current lifecycle state
type InvalidStateError struct {
	Entity  string
	ID      string
	State   string
	Message string
}

func (e *InvalidStateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s is in state %s", e.Entity, e.ID, e.State)
}

// Code returns the stable error class
func (e *InvalidStateError) Code() ErrorCode { return CodeInvalidState }

// ExecutionError classifies an executor failure as Transient or Permanent.
// Transient failures are retried per policy; Permanent failures fail the run.
type ExecutionError struct {
	Class   ErrorCode // CodeTransient, CodePermanent, CodeTimeout or CodeCancelled
	NodeID  string
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Code returns the stable error class
func (e *ExecutionError) Code() ErrorCode { return e.Class }

// NewTransient wraps err as a retryable executor failure
func NewTransient(msg string, cause error) *ExecutionError {
	return &ExecutionError{Class: CodeTransient, Message: msg, Cause: cause}
}

// NewPermanent wraps err as a non-retryable executor failure
func NewPermanent(msg string, cause error) *ExecutionError {
	return &ExecutionError{Class: CodePermanent, Message: msg, Cause: cause}
}

// NewTimeout reports a per-node or per-run boundary exceeded
func NewTimeout(msg string) *ExecutionError {
	return &ExecutionError{Class: CodeTimeout, Message: msg}
}

// NewCancelled reports a cooperative stop
func NewCancelled(msg string) *ExecutionError {
	return &ExecutionError{Class: CodeCancelled, Message: msg}
}

// InternalError reports a bug or infrastructure failure with a stable subcode
type InternalError struct {
	Subcode string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error (%s): %v", e.Subcode, e.Cause)
	}
	return fmt.Sprintf("internal error (%s)", e.Subcode)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// Code returns the stable error class
func (e *InternalError) Code() ErrorCode { return CodeInternal }

// NewInternal wraps an infrastructure failure with a stable subcode
func NewInternal(subcode string, cause error) *InternalError {
	return &InternalError{Subcode: subcode, Cause: cause}
}

// IsTransient reports whether err should be retried with backoff
func IsTransient(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Class == CodeTransient
}

// IsNotFound reports whether err is an absent-entity failure
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidState reports whether err is a lifecycle refusal
func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}

// IsValidationFailed reports whether err rejects a definition
func IsValidationFailed(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CodeOf extracts the stable error class, defaulting to Internal
func CodeOf(err error) ErrorCode {
	type coder interface{ Code() ErrorCode }
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}
