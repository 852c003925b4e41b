// Package errdefs defines the coded error taxonomy shared across strata:
// configuration errors are fatal to the call that raised them, not-found
// errors are returned to the caller, transfer and scan errors are isolated
// per item and accumulated into batch error lists.
package errdefs

import (
	"errors"
	"fmt"
)

// Error codes
const (
	CodeConfiguration      = "CONFIGURATION"
	CodeNotFound           = "NOT_FOUND"
	CodeTransfer           = "TRANSFER"
	CodeScan               = "SCAN"
	CodeConflictUnresolved = "CONFLICT_UNRESOLVED"
	CodeInternal           = "INTERNAL"
)

// AppError carries a machine-readable code alongside the message chain.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code, message string) error {
	return &AppError{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) error {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
// Returns nil when err is nil.
func Wrap(err error, code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the outermost AppError in the chain, or
// CodeInternal when the chain carries none.
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsConfiguration reports whether err carries the CONFIGURATION code.
func IsConfiguration(err error) bool {
	return CodeOf(err) == CodeConfiguration
}

// Common sentinels
var (
	ErrLocationNotFound = New(CodeNotFound, "location not found")
	ErrAssetNotFound    = New(CodeNotFound, "asset not found")
	ErrNoActiveLocation = New(CodeConfiguration, "no active storage location configured")
)
