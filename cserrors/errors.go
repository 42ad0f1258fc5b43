// Package cserrors defines the typed error kinds a change stream can
// surface to a consumer.
package cserrors

import "fmt"

// ClosedStreamError is returned by any operation performed after Close or
// after the cursor delivered an implicit-close (null) sentinel.
type ClosedStreamError struct{}

func (e *ClosedStreamError) Error() string {
	return "changestream: stream is closed"
}

// UnresumableError wraps a cursor/aggregate error the classifier decided
// was not resumable. The stream closes immediately after surfacing it.
type UnresumableError struct {
	Cause error
}

func (e *UnresumableError) Error() string {
	return fmt.Sprintf("changestream: unresumable error: %v", e.Cause)
}

func (e *UnresumableError) Unwrap() error { return e.Cause }

// MissingResumeTokenError is returned when a change event is missing the
// required _id field. The stream closes immediately after surfacing it.
type MissingResumeTokenError struct {
	Cause error
}

func (e *MissingResumeTokenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("changestream: event missing resume token: %v", e.Cause)
	}
	return "changestream: event missing resume token"
}

func (e *MissingResumeTokenError) Unwrap() error { return e.Cause }

// NoCursorError is returned by Stream when the change stream has no active
// cursor (never constructed one, or it was torn down by a close).
type NoCursorError struct{}

func (e *NoCursorError) Error() string {
	return "changestream: no active cursor"
}

// ModeConflictError is returned when a caller attempts to cross the
// iterator/emitter mode boundary. No stream state is mutated when this is
// returned.
type ModeConflictError struct{}

func (e *ModeConflictError) Error() string {
	return "changestream: stream is already bound to the other consumption mode"
}

// TopologyTimeoutError is returned when the topology does not report
// connected within the resume deadline. The stream closes after surfacing
// it.
type TopologyTimeoutError struct {
	Cause error
}

func (e *TopologyTimeoutError) Error() string {
	return fmt.Sprintf("changestream: timed out waiting for topology: %v", e.Cause)
}

func (e *TopologyTimeoutError) Unwrap() error { return e.Cause }

// InvalidParentError is returned at construction time when the parent
// scope is not a collection, database, or client.
type InvalidParentError struct {
	Domain int
}

func (e *InvalidParentError) Error() string {
	return fmt.Sprintf("changestream: invalid parent domain %d; must be collection, database, or client", e.Domain)
}
