package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Status classifies the outcome of a group operation for the record queue.
type Status string

const (
	// StatusSuccess is the outcome of an operation that returned a nil error.
	StatusSuccess Status = "success"

	// StatusFail indicates a hardware call failure or a rejected update.
	// The record is dropped from the queue and not retried automatically.
	StatusFail Status = "fail"

	// StatusRetry keeps the record in the queue so it is attempted again later.
	StatusRetry Status = "retry"

	// StatusInvalidParam indicates a malformed or unsupported alias or type token.
	StatusInvalidParam Status = "invalid_param"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusSuccess, StatusFail, StatusRetry, StatusInvalidParam:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// GroupError represents a classified isolation group error with context.
type GroupError struct {
	// Status is the classification used by the record queue.
	Status Status `json:"status"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Group is the isolation group name, if applicable.
	Group string `json:"group,omitempty"`

	// Port is the port alias involved, if applicable.
	Port string `json:"port,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *GroupError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Status, e.Message)

	var fields []string
	if e.Group != "" {
		fields = append(fields, "group="+e.Group)
	}
	if e.Port != "" {
		fields = append(fields, "port="+e.Port)
	}
	if e.Operation != "" {
		fields = append(fields, "operation="+e.Operation)
	}
	if len(fields) > 0 {
		msg += " (" + strings.Join(fields, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *GroupError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *GroupError with the same status.
func (e *GroupError) Is(target error) bool {
	t, ok := target.(*GroupError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// NewFailError creates a new fail error.
func NewFailError(message string, err error) *GroupError {
	return &GroupError{
		Status:  StatusFail,
		Message: message,
		Err:     err,
	}
}

// NewRetryError creates a new retry error.
func NewRetryError(message string, err error) *GroupError {
	return &GroupError{
		Status:  StatusRetry,
		Message: message,
		Err:     err,
	}
}

// NewInvalidParamError creates a new invalid parameter error.
func NewInvalidParamError(message string, err error) *GroupError {
	return &GroupError{
		Status:  StatusInvalidParam,
		Message: message,
		Err:     err,
	}
}

// WithGroup adds group context to an error.
func (e *GroupError) WithGroup(name string) *GroupError {
	e.Group = name
	return e
}

// WithPort adds port context to an error.
func (e *GroupError) WithPort(alias string) *GroupError {
	e.Port = alias
	return e
}

// WithOperation adds operation context to an error.
func (e *GroupError) WithOperation(operation string) *GroupError {
	e.Operation = operation
	return e
}

// Sentinels for errors.Is comparisons against a status class.
var (
	ErrFail         = &GroupError{Status: StatusFail}
	ErrRetry        = &GroupError{Status: StatusRetry}
	ErrInvalidParam = &GroupError{Status: StatusInvalidParam}
)

// StatusOf maps an error returned by the engine to its status.
// Errors that carry no classification are treated as failures.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *GroupError
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusFail
}

// IsFail returns true if the error is classified as a failure.
func IsFail(err error) bool {
	return err != nil && StatusOf(err) == StatusFail
}

// IsRetry returns true if the error asks for the record to be retried.
func IsRetry(err error) bool {
	return StatusOf(err) == StatusRetry
}

// IsInvalidParam returns true if the error is classified as an invalid parameter.
func IsInvalidParam(err error) bool {
	return StatusOf(err) == StatusInvalidParam
}
