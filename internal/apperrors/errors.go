// Package apperrors defines the error taxonomy shared by the provisioning and
// authentication pipeline.
package apperrors

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code. Values double as the HTTP error body.
type Code string

const (
	CodeDuplicateEmail          Code = "duplicate_email"
	CodeUsernameUnavailable     Code = "username_unavailable"
	CodeIdentityProviderFailure Code = "identity_provider_failure"
	CodeRecordStoreFailure      Code = "record_store_failure"
	CodeOrphanedIdentityAccount Code = "orphaned_identity_account"
	CodeInvalidCredentials      Code = "invalid_credentials"
	CodeInvalidQR               Code = "invalid_qr"
	CodeTimeout                 Code = "timeout"
	CodeMalformedInput          Code = "malformed_input"
	CodeUnauthorized            Code = "unauthorized"
	CodeForbidden               Code = "forbidden"
	CodeNotFound                Code = "not_found"
	CodeInternal                Code = "internal"
)

// HTTPStatus maps a code to the status returned by the HTTP layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeMalformedInput:
		return http.StatusBadRequest
	case CodeDuplicateEmail, CodeUsernameUnavailable:
		return http.StatusConflict
	case CodeInvalidCredentials, CodeInvalidQR, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeIdentityProviderFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs)
	Metadata map[string]string // Additional context, e.g. the orphaned identity id
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WrapWithMetadata creates a domain error with both metadata and a cause.
func WrapWithMetadata(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata, Cause: cause}
}

// CodeOf extracts the code of the first domain error in the chain.
// Errors outside the taxonomy report CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the top-level message of a domain error, the only part
// safe to show a client. Internal and foreign errors read "internal error".
func MessageOf(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Code == CodeInternal {
		return "internal error"
	}
	return appErr.Message
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
