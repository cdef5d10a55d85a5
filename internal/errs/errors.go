// Package errs implements the tagged ServiceError used throughout the
// broker, grounded on the teacher's infrastructure/errors package
// (ErrorCode/ServiceError with an HTTP status mapping, Unwrap and
// WithDetails). Kinds are specialized to spec.md §7.
package errs

import (
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindDuplicateRejected Kind = "duplicate_rejected"
	KindInvalidTransition Kind = "invalid_transition"
	KindInvalidInput      Kind = "invalid_input"
	KindPermissionDenied  Kind = "permission_denied"
	KindConflict          Kind = "conflict"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindManagerUnknown    Kind = "manager_unknown"
	KindTaskNotLeased     Kind = "task_not_leased"
	KindInternal          Kind = "internal_error"
)

// httpStatus maps each Kind to the HTTP status the API layer should emit.
var httpStatus = map[Kind]int{
	KindNotFound:          http.StatusNotFound,
	KindDuplicateRejected: http.StatusConflict,
	KindInvalidTransition: http.StatusConflict,
	KindInvalidInput:      http.StatusBadRequest,
	KindPermissionDenied:  http.StatusForbidden,
	KindConflict:          http.StatusConflict,
	KindPayloadTooLarge:   http.StatusRequestEntityTooLarge,
	KindManagerUnknown:    http.StatusUnauthorized,
	KindTaskNotLeased:     http.StatusConflict,
	KindInternal:          http.StatusInternalServerError,
}

// ServiceError is the error type every package in this module returns for
// expected failure conditions. Handlers in internal/httpapi type-assert on
// it to build the wire error shape in spec.md §6.1.
type ServiceError struct {
	Kind          Kind
	Message       string
	Details       map[string]interface{}
	CorrelationID string
	cause         error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the API layer should respond with.
func (e *ServiceError) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithDetails returns a copy of e with additional context merged in.
func (e *ServiceError) WithDetails(details map[string]interface{}) *ServiceError {
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	clone := *e
	clone.Details = merged
	return &clone
}

// New builds a ServiceError of the given kind.
func New(kind Kind, message string) *ServiceError {
	return &ServiceError{Kind: kind, Message: message}
}

// Wrap builds a ServiceError of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, cause: cause}
}

// NotFound is a convenience constructor for the common not_found kind.
func NotFound(entity string, id interface{}) *ServiceError {
	return New(KindNotFound, fmt.Sprintf("%s %v not found", entity, id))
}

// InvalidTransition reports a disallowed status-machine transition.
func InvalidTransition(from, to, entity string) *ServiceError {
	return New(KindInvalidTransition, fmt.Sprintf("%s: cannot transition from %s to %s", entity, from, to))
}

// As reports whether err is a *ServiceError and returns it.
func As(err error) (*ServiceError, bool) {
	se, ok := err.(*ServiceError)
	if ok {
		return se, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return As(u.Unwrap())
	}
	return nil, false
}
