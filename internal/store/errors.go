package store

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Common errors returned by store operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // Handle the missing row
//	}
var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("store operation timed out")

	// ErrConnection is returned when the backend cannot be reached or the
	// connection drops mid-operation.
	ErrConnection = errors.New("store connection failed")

	// ErrConstraint is returned when a write violates a schema constraint
	// other than the natural-key upsert targets.
	ErrConstraint = errors.New("constraint violation")

	// ErrInvalidRef is returned when an entity reference does not parse
	// or names an unknown entity kind.
	ErrInvalidRef = errors.New("invalid entity reference")

	// ErrNotLinked is returned when an operation requires a media-entity
	// link that does not exist.
	ErrNotLinked = errors.New("media not linked to entity")

	// ErrSchemaVersion is returned when the database schema version is
	// incompatible with this build.
	ErrSchemaVersion = errors.New("incompatible schema version")
)

// Outcome classifies an apply error for the queue's retry policy.
type Outcome int

const (
	// OutcomeTransient means the operation may succeed on retry.
	OutcomeTransient Outcome = iota
	// OutcomePermanent means retrying the same input cannot succeed.
	OutcomePermanent
)

// IsTransient returns true if the error is likely to succeed on retry.
// Timeouts and connection failures qualify; so do raw driver errors that
// look like network problems.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Deadline and cancellation map to retry-later
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	if errors.Is(err, ErrConnection) {
		return true
	}

	// Driver-level network errors that were not wrapped by a backend
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Last resort: textual sniff of common driver messages
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "broken pipe", "too many connections", "database is locked", "timeout"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}

	return false
}

// IsPermanent returns true if retrying the same input cannot succeed:
// constraint violations, unparseable references, missing prerequisites
// the input itself names.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConstraint) || errors.Is(err, ErrInvalidRef) || errors.Is(err, ErrSchemaVersion) {
		return true
	}

	// A missing row surfacing as an apply failure means the record names a
	// prerequisite that pending links could not cover; retrying the same
	// payload cannot create it.
	if errors.Is(err, ErrNotFound) {
		return true
	}

	return false
}

// Classify maps an apply error to the queue's retry policy.
// Errors that are neither clearly transient nor clearly permanent are
// treated as transient so the attempt budget, not a misclassification,
// decides when an entry is parked.
func Classify(err error) Outcome {
	if IsPermanent(err) {
		return OutcomePermanent
	}
	return OutcomeTransient
}
