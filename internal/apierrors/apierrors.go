// Package apierrors defines the stable error taxonomy carried across every
// HTTP boundary in the dispatcher, grounded on
// original_source/src/models/errors.py's ErrorType/CodeInterpreterException
// hierarchy and adapted to Go's single-error-type-plus-kind convention
// instead of a class-per-kind exception tree.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the stable error categories from §7 of the design.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindValidation        Kind = "validation"
	KindResourceNotFound  Kind = "resource_not_found"
	KindResourceConflict  Kind = "resource_conflict"
	KindResourceExhausted Kind = "resource_exhausted"
	KindExecutionFailed   Kind = "execution_failed"
	KindTimeout           Kind = "timeout"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal_server"
	KindServiceUnavailable Kind = "service_unavailable"
	KindExternalService   Kind = "external_service"
)

var statusByKind = map[Kind]int{
	KindAuthentication:     http.StatusUnauthorized,
	KindAuthorization:      http.StatusForbidden,
	KindValidation:         http.StatusBadRequest,
	KindResourceNotFound:   http.StatusNotFound,
	KindResourceConflict:   http.StatusConflict,
	KindResourceExhausted:  http.StatusTooManyRequests,
	KindExecutionFailed:    http.StatusUnprocessableEntity,
	KindTimeout:            http.StatusRequestTimeout,
	KindRateLimited:        http.StatusTooManyRequests,
	KindInternal:           http.StatusInternalServerError,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindExternalService:    http.StatusBadGateway,
}

// Detail is one field-level validation complaint.
type Detail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error is the single error type carried across the orchestrator/dispatcher
// boundary. Kind drives the HTTP status the API layer writes; RequestID is
// filled in by the error middleware when the caller leaves it empty.
type Error struct {
	Kind      Kind
	Message   string
	Details   []Detail
	RequestID string
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for e's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func new(kind Kind, message string, details []Detail) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func Validation(message string, details ...Detail) *Error {
	return new(KindValidation, message, details)
}

func NotFound(resource, id string) *Error {
	msg := resource + " not found"
	if id != "" {
		msg += ": " + id
	}
	return new(KindResourceNotFound, msg, nil)
}

func Timeout(message string) *Error {
	return new(KindTimeout, message, nil)
}

func ExecutionFailed(message string) *Error {
	return new(KindExecutionFailed, message, nil)
}

// ServiceUnavailable wraps cause under the named external service, matching
// the orchestrator's catch-all error-mapping rule (§4.8).
func ServiceUnavailable(service string, cause error) *Error {
	e := new(KindServiceUnavailable, fmt.Sprintf("%s: %v", service, cause), nil)
	e.cause = cause
	return e
}

func Authentication(message string) *Error {
	return new(KindAuthentication, message, nil)
}

// As extracts an *Error from err, returning (nil, false) when err does not
// wrap one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Wrap translates a bare error into ServiceUnavailable, following the
// orchestrator's "anything else becomes ServiceUnavailableError" rule,
// unless err already carries an apierrors.Error or is a plain ValueError
// equivalent (validation), which the caller should detect and map to
// Validation itself before reaching here.
func Wrap(service string, err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return ServiceUnavailable(service, err)
}
