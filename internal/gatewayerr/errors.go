// Package gatewayerr defines the stable error taxonomy shared by every layer
// of the gateway: the policy engine, the execution harness, and the built-in
// connectors all raise errors from this set so that the audit log and the
// HTTP façade can map them without re-deriving meaning from free-text.
package gatewayerr

import (
	"fmt"
	"net/http"
)

// Code is a stable error kind. Codes are part of the caller-visible contract;
// new codes may be added but existing ones must never change meaning.
type Code string

const (
	ToolNotFound     Code = "tool_not_found"
	ValidationError  Code = "validation_error"
	PolicyDenied     Code = "policy_denied"
	SecurityError    Code = "security_error"
	ConnectorError   Code = "connector_error"
	Timeout          Code = "timeout"
	MaxBytesExceeded Code = "max_bytes_exceeded"
	InternalError    Code = "internal_error"
)

// HTTPStatus returns the suggested HTTP status code for the façade.
func (c Code) HTTPStatus() int {
	switch c {
	case ToolNotFound:
		return http.StatusNotFound
	case ValidationError:
		return http.StatusBadRequest
	case PolicyDenied:
		return http.StatusForbidden
	case SecurityError:
		return http.StatusForbidden
	case ConnectorError:
		return http.StatusInternalServerError
	case Timeout:
		return http.StatusRequestTimeout
	case MaxBytesExceeded:
		return http.StatusRequestEntityTooLarge
	case InternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed gateway failure. It wraps an optional underlying cause so
// that %w unwrapping keeps working through fmt.Errorf chains, while still
// exposing a stable Code for the audit layer and the HTTP façade.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error that carries an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts a *Error from err, classifying untyped errors as InternalError
// per the harness's catch-all rule (§7 propagation policy).
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if ok := errorsAs(err, &ge); ok {
		return ge
	}
	return &Error{Code: InternalError, Message: err.Error(), Cause: err}
}

// errorsAs walks err's Unwrap() error chain and stores the first *Error it
// finds in target. It follows single-cause chains only; errors that unwrap
// to a slice (errors.Join) are not searched.
func errorsAs(err error, target **Error) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
