// Package apperr provides the control plane's error taxonomy: a single
// ServiceError type carrying a classification code, an HTTP status, and
// optional structured details, narrowed from the teacher's error package to
// spec.md section 7's classes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for retry/HTTP-mapping purposes.
type Code string

const (
	CodeValidation   Code = "VALIDATION"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodePolicyDenied Code = "POLICY_DENIED"
	CodeTransient    Code = "TRANSIENT"
	CodePermanent    Code = "PERMANENT"
	CodeCircuitOpen  Code = "CIRCUIT_OPEN"
	CodeInternal     Code = "INTERNAL"
)

// ServiceError is the structured error type propagated from the store,
// engine, worker, and HTTP layer.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches additional structured context.
func (e *ServiceError) WithDetails(key string, val interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = val
	return e
}

// New creates a ServiceError with no wrapped cause.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation constructs a 400 ValidationError.
func Validation(message string) *ServiceError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// NotFound constructs a 404 NotFound error for the named resource.
func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

// Conflict constructs a 409 Conflict error.
func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

// PolicyDenied constructs an error recording a policy-denial terminal failure.
func PolicyDenied(reason string) *ServiceError {
	return New(CodePolicyDenied, reason, http.StatusForbidden)
}

// Transient marks err as retryable by the reliability kit / queue.
func Transient(message string, err error) *ServiceError {
	return Wrap(CodeTransient, message, http.StatusServiceUnavailable, err)
}

// Permanent marks err as non-retryable; callers should surface and
// terminate rather than retry.
func Permanent(message string, err error) *ServiceError {
	return Wrap(CodePermanent, message, http.StatusUnprocessableEntity, err)
}

// CircuitOpen wraps a circuit-breaker rejection. At the caller it behaves
// like Transient but is distinguishable for metrics/logging.
func CircuitOpen(err error) *ServiceError {
	return Wrap(CodeCircuitOpen, "circuit breaker open", http.StatusServiceUnavailable, err)
}

// Internal constructs a 500 error. Internal() messages must never be
// returned verbatim to clients — see httpapi's generic-500 rule.
func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// IsServiceError reports whether err is (or wraps) a *ServiceError.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// As extracts a *ServiceError from err's chain, if any.
func As(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus returns the HTTP status to report for err, defaulting to 500.
func HTTPStatus(err error) int {
	if se := As(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err's classification is one the reliability
// kit should retry (Transient or CircuitOpen at the caller).
func IsRetryable(err error) bool {
	se := As(err)
	if se == nil {
		return false
	}
	return se.Code == CodeTransient || se.Code == CodeCircuitOpen
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	se := As(err)
	return se != nil && se.Code == code
}
