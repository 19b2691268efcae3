// Package errors defines the structured error types used across the Hearth
// pipeline, split along the recoverable/fatal boundary: per-file build
// failures are collected and reported after each batch, while setup failures
// (such as the watcher being unable to attach to the filesystem) terminate
// the dev server.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeSetup    ErrorType = "setup"
	ErrorTypeWatch    ErrorType = "watch"
	ErrorTypeBuild    ErrorType = "build"
	ErrorTypeIO       ErrorType = "io"
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeNetwork  ErrorType = "network"
	ErrorTypeInternal ErrorType = "internal"
)

// HearthError is a structured error type with context.
type HearthError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Path        string
	Recoverable bool
}

// Error implements the error interface.
func (e *HearthError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *HearthError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *HearthError) Is(target error) bool {
	var t *HearthError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithPath adds the source path the error relates to.
func (e *HearthError) WithPath(path string) *HearthError {
	e.Path = path

	return e
}

// Common error codes.
const (
	ErrCodeWatchSetup      = "ERR_WATCH_SETUP"
	ErrCodeBuildFailed     = "ERR_BUILD_FAILED"
	ErrCodeBuildTimeout    = "ERR_BUILD_TIMEOUT"
	ErrCodeParseFailed     = "ERR_PARSE_FAILED"
	ErrCodeRenderFailed    = "ERR_RENDER_FAILED"
	ErrCodeTokenCapacity   = "ERR_TOKEN_CAPACITY"
	ErrCodeInvalidPath     = "ERR_INVALID_PATH"
	ErrCodeConfigInvalid   = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound    = "ERR_FILE_NOT_FOUND"
	ErrCodeInternalFailure = "ERR_INTERNAL"
)

// NewWatchSetupError creates the fatal error returned when the underlying OS
// watch resource cannot be created. This propagates out of serve startup and
// is never retried.
func NewWatchSetupError(message string, cause error) *HearthError {
	return &HearthError{
		Type:        ErrorTypeSetup,
		Code:        ErrCodeWatchSetup,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewBuildError creates a per-item build error. These are recoverable: one
// bad file never aborts the batch it arrived in.
func NewBuildError(code, message string, cause error) *HearthError {
	return &HearthError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *HearthError {
	return &HearthError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *HearthError {
	return &HearthError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *HearthError {
	return &HearthError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var he *HearthError
	if errors.As(err, &he) {
		return he.Recoverable
	}

	return false
}

// IsWatchSetup checks if an error is a fatal watcher setup failure.
func IsWatchSetup(err error) bool {
	var he *HearthError
	if errors.As(err, &he) {
		return he.Type == ErrorTypeSetup && he.Code == ErrCodeWatchSetup
	}

	return false
}
