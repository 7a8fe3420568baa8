// Package apperr defines the error taxonomy returned by engine operations.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// StateError reports an action that is illegal in the current state.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return "state: " + e.Msg }

// ConflictError reports a concurrent mutation or a stale target. Retryable
// conflicts are optimistic-concurrency collisions that may succeed after the
// caller re-reads; non-retryable ones reference a target that can no longer
// be acted on (a superseded head, a stale submission).
type ConflictError struct {
	Msg       string
	Retryable bool
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

// NotFoundError reports an unknown id or an entity the caller cannot reach.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %s %s", e.Kind, e.ID) }

// AuthorizationError reports a role mismatch.
type AuthorizationError struct {
	Msg string
}

func (e *AuthorizationError) Error() string { return "forbidden: " + e.Msg }

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func State(format string, args ...any) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

// Conflict returns a retryable optimistic-concurrency conflict.
func Conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...), Retryable: true}
}

// Stale returns a non-retryable conflict for a target that is no longer current.
func Stale(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func Forbidden(format string, args ...any) error {
	return &AuthorizationError{Msg: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is an optimistic-concurrency collision.
func IsRetryable(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Retryable
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	var (
		ve *ValidationError
		se *StateError
		ce *ConflictError
		ne *NotFoundError
		ae *AuthorizationError
	)
	switch {
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &se):
		return "state_error"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &ne):
		return "not_found"
	case errors.As(err, &ae):
		return "forbidden"
	}
	return "internal"
}
