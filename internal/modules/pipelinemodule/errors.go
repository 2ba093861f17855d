package pipelinemodule

import (
	"errors"
	"fmt"
)

// FailureClass is the closed classification every consumer failure carries.
// It is produced at the point of failure, never inferred from error text.
type FailureClass int

const (
	// FailureTransient failures (broker/database/disk I/O) leave the
	// message unacknowledged so the broker redelivers it. No counters move.
	FailureTransient FailureClass = iota
	// FailureSkippable failures (corrupt input, unsupported format,
	// oversized file) produce a dummy artifact, count as failed, and
	// acknowledge the message.
	FailureSkippable
	// FailureFatal failures (unreadable collection root) fail the whole
	// job immediately.
	FailureFatal
)

// Error type names recorded on dummy artifacts.
const (
	ErrTypeConfiguration     = "configuration"
	ErrTypeCorruptMedia      = "corrupt_media"
	ErrTypeUnsupportedFormat = "unsupported_format"
	ErrTypeCapacityExceeded  = "capacity_exceeded"
	ErrTypeTransientIO       = "transient_io"
)

// PipelineError is a classified pipeline failure.
type PipelineError struct {
	Class  FailureClass
	Type   string
	Reason string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewConfigurationError reports an unreadable or invalid collection root.
func NewConfigurationError(reason string, err error) *PipelineError {
	return &PipelineError{Class: FailureFatal, Type: ErrTypeConfiguration, Reason: reason, Err: err}
}

// NewCorruptMediaError reports input that cannot be decoded.
func NewCorruptMediaError(reason string, err error) *PipelineError {
	return &PipelineError{Class: FailureSkippable, Type: ErrTypeCorruptMedia, Reason: reason, Err: err}
}

// NewUnsupportedFormatError reports input in a format the pipeline cannot
// handle.
func NewUnsupportedFormatError(reason string) *PipelineError {
	return &PipelineError{Class: FailureSkippable, Type: ErrTypeUnsupportedFormat, Reason: reason}
}

// NewCapacityExceededError reports input over the configured size ceiling.
func NewCapacityExceededError(reason string) *PipelineError {
	return &PipelineError{Class: FailureSkippable, Type: ErrTypeCapacityExceeded, Reason: reason}
}

// NewTransientIOError reports a broker/database/disk failure worth retrying.
func NewTransientIOError(reason string, err error) *PipelineError {
	return &PipelineError{Class: FailureTransient, Type: ErrTypeTransientIO, Reason: reason, Err: err}
}

// Classify returns the failure class of an error. Unclassified errors are
// treated as transient so nothing is silently dropped.
func Classify(err error) FailureClass {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return FailureTransient
}

// ErrorType returns the recorded type name for an error.
func ErrorType(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrTypeTransientIO
}

// Reason returns the human-readable reason recorded on dummy artifacts.
func Reason(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Err != nil {
			return fmt.Sprintf("%s: %v", pe.Reason, pe.Err)
		}
		return pe.Reason
	}
	return err.Error()
}
