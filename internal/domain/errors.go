package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates that no current user could be resolved.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotAuthorized indicates an authenticated user lacking the required role or ownership.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound indicates that a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates missing fields, self-referential links or unknown enum values.
	ErrValidation = errors.New("validation failed")
	// ErrTransportFailure indicates that a broadcast could not be delivered to the channel.
	ErrTransportFailure = errors.New("transport failure")
)

// ServiceError carries a stable "operation.reason" code alongside the taxonomy kind and cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

// NewServiceError builds a ServiceError for the operation and reason.
func NewServiceError(operation, reason string, kind error, cause error) error {
	return &ServiceError{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is reports whether target is the taxonomy kind of the error.
func (e *ServiceError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the taxonomy sentinel the error belongs to.
func (e *ServiceError) Kind() error {
	return e.kind
}

// CodeOf extracts the ServiceError code from err, or an empty string.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
