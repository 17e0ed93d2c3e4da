package events

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSequence reports that (client_id, sequence_num) was already committed.
	// Append returns the originally stored event alongside it; callers treat the
	// submission as already applied.
	ErrDuplicateSequence = errors.New("events: duplicate sequence")
	// ErrEventNotFound indicates that no event carries the requested id.
	ErrEventNotFound = errors.New("events: event not found")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
