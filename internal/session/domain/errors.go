package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session subsystem; transport handlers map them to status codes.
var (
	// ErrConcurrencyConflict means the expected version did not match the stored version. Retryable.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrSessionNotFound means no event stream (or projection row) exists for the id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionAlreadyTerminated means a transition was attempted on a closed aggregate.
	ErrSessionAlreadyTerminated = errors.New("session already terminated")
	// ErrInvalidStream matches every *InvalidStreamError.
	ErrInvalidStream = errors.New("invalid event stream")
	// ErrStoreUnavailable wraps backing-store failures. Not retried inline.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidArgument is returned for malformed input (empty id, bad resource id).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidTTL is returned when a requested lifetime is negative or above the configured maximum.
	ErrInvalidTTL = errors.New("invalid session ttl")
	// ErrPermissionNotGrantable is returned when a start request asks for a permission outside the grantable set.
	ErrPermissionNotGrantable = errors.New("permission not grantable")
	// ErrComputeAlreadyAttached is returned when a resource is attached twice to the same session.
	ErrComputeAlreadyAttached = errors.New("compute resource already attached")
)

// InvalidStreamError reports an event sequence that violates the session state machine.
// It indicates store corruption or a writer bug and is never retried.
type InvalidStreamError struct {
	AggregateID string
	Version     int64
	Reason      string
}

func (e *InvalidStreamError) Error() string {
	return fmt.Sprintf("invalid event stream for %s at version %d: %s", e.AggregateID, e.Version, e.Reason)
}

// Is reports true for ErrInvalidStream so callers can use errors.Is.
func (e *InvalidStreamError) Is(target error) bool {
	return target == ErrInvalidStream
}

func invalidStream(aggregateID string, version int64, format string, args ...any) error {
	return &InvalidStreamError{AggregateID: aggregateID, Version: version, Reason: fmt.Sprintf(format, args...)}
}
