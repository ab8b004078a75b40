// Package apperr defines the error taxonomy shared by the pipeline, queue and HTTP layers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-range input. Rejected before any state change.
	ErrValidation = errors.New("validation error")
	// ErrAuthorization marks a failed permission check. No state change, no audit write.
	ErrAuthorization = errors.New("authorization error")
	// ErrConflict marks a failed compare-and-set precondition. Callers must refetch.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an unknown candidate, entry, rule, organization or user.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamStage marks a failed or timed-out external analysis call.
	ErrUpstreamStage = errors.New("upstream stage error")
	// ErrPersistence marks an unavailable durable store. Nothing partial is left visible.
	ErrPersistence = errors.New("persistence error")
)

// Validation returns an ErrValidation carrying a message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Authorization returns an ErrAuthorization carrying a message.
func Authorization(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// Conflict returns an ErrConflict carrying a message.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(entity string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, entity)
}

// Upstream wraps a failed stage call.
func Upstream(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUpstreamStage, stage, err)
}

// Persistence wraps a store failure.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// Kind returns the taxonomy sentinel err belongs to, or nil if it is unclassified.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrAuthorization, ErrConflict, ErrNotFound, ErrUpstreamStage, ErrPersistence} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code returns a stable machine-readable code for err, used in API payloads and metrics.
func Code(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation_error"
	case ErrAuthorization:
		return "forbidden"
	case ErrConflict:
		return "conflict"
	case ErrNotFound:
		return "not_found"
	case ErrUpstreamStage:
		return "upstream_error"
	case ErrPersistence:
		return "persistence_error"
	}
	return "internal_error"
}
