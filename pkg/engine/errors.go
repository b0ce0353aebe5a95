package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, connection resets.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed configuration, invalid parameter values, failed commands.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for the watchmaker error taxonomy.
const (
	ErrCodeConfigFetch     = "CONFIG_FETCH_ERROR"
	ErrCodeMalformedConfig = "MALFORMED_CONFIG"
	ErrCodeVersionMismatch = "VERSION_MISMATCH"
	ErrCodeNoWorkers       = "NO_WORKERS"
	ErrCodeInvalidValue    = "INVALID_VALUE"
	ErrCodeCommand         = "COMMAND_ERROR"
	ErrCodeStatusProvider  = "STATUS_PROVIDER_ERROR"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They match any error carrying the same code.
var (
	ErrConfigFetch     = &EngineError{Code: ErrCodeConfigFetch}
	ErrMalformedConfig = &EngineError{Code: ErrCodeMalformedConfig}
	ErrVersionMismatch = &EngineError{Code: ErrCodeVersionMismatch}
	ErrNoWorkers       = &EngineError{Code: ErrCodeNoWorkers}
	ErrInvalidValue    = &EngineError{Code: ErrCodeInvalidValue}
	ErrCommand         = &EngineError{Code: ErrCodeCommand}
	ErrStatusProvider  = &EngineError{Code: ErrCodeStatusProvider}
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Worker is the worker that produced the error, if applicable.
	Worker string `json:"worker,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Worker != "" {
		msg = fmt.Sprintf("%s (worker=%s)", msg, e.Worker)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// A target with a code matches on code alone; otherwise on class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Class == t.Class
}

// WithWorker adds worker context to an error.
func (e *EngineError) WithWorker(name string) *EngineError {
	e.Worker = name
	return e
}

// AsTransient marks the error as one a later run may not hit.
func (e *EngineError) AsTransient() *EngineError {
	e.Class = ErrorClassTransient
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewConfigFetchError reports a configuration source that could not be retrieved.
func NewConfigFetchError(source string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeConfigFetch,
		Message: fmt.Sprintf("unable to retrieve config from %s", source),
		Err:     err,
	}
}

// NewMalformedConfigError reports a config document with an unexpected shape.
func NewMalformedConfigError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeMalformedConfig,
		Message: message,
		Err:     err,
	}
}

// NewVersionMismatchError reports a running version outside the config's constraint.
func NewVersionMismatchError(constraint, running string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeVersionMismatch,
		Message: fmt.Sprintf("watchmaker version %s does not satisfy %q", running, constraint),
	}).WithDetail("constraint", constraint).WithDetail("running", running)
}

// NewNoWorkersError reports a config with nothing to run for the system.
func NewNoWorkersError(system string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeNoWorkers,
		Message: fmt.Sprintf("no workers configured for %q or \"all\"", system),
	}
}

// NewInvalidValueError reports a worker parameter outside its accepted set.
func NewInvalidValueError(worker, param string, value interface{}, allowed []string) *EngineError {
	return (&EngineError{
		Class: ErrorClassPermanent,
		Code:  ErrCodeInvalidValue,
		Message: fmt.Sprintf("invalid value %v for %q, must be one of [%s]",
			value, param, strings.Join(allowed, ", ")),
		Worker: worker,
	}).WithDetail("param", param)
}

// NewStatusProviderError reports a required status tag that could not be applied.
func NewStatusProviderError(key string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeStatusProvider,
		Message: fmt.Sprintf("unable to apply required status tag %q", key),
		Err:     err,
	}
}

// CommandError is returned when a subprocess exits non-zero and the caller
// did not tolerate failure.
type CommandError struct {
	Args    []string
	Retcode int
	Stdout  []byte
	Stderr  []byte
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("[%s] command %q failed with exit code %d",
		ErrCodeCommand, strings.Join(e.Args, " "), e.Retcode)
}

// Is matches ErrCommand.
func (e *CommandError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == ErrCodeCommand
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// CodeOf returns the taxonomy code for err, or ErrCodeInternal when it has none.
func CodeOf(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ErrCodeCommand
	}
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}
