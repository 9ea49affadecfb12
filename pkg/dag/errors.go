package dag

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class partitions task errors by how the engine reacts to them.
type Class int

// Error classes.
const (
	// ClassTransient errors are retried with backoff (network, timeout,
	// 5xx, 429, lock contention).
	ClassTransient Class = iota
	// ClassPermanent errors fail the task's branch without retry; the
	// parent may continue with partial data.
	ClassPermanent
	// ClassFatal errors abort the whole workflow run (invariant
	// violations, locked transcripts, corrupt blobs).
	ClassFatal
	// ClassCancelled marks externally cancelled work; never retried.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFatal:
		return "fatal"
	case ClassCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error is a classified task error. Tasks raise; the engine inspects the
// class and decides whether to retry, fail the branch, or abort the run.
type Error struct {
	Class Class
	// RetryAfter, when positive, overrides the backoff delay for the
	// next attempt (driven by HTTP Retry-After).
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// TransientAfter wraps err as retryable with an explicit retry delay.
func TransientAfter(err error, after time.Duration) error {
	return &Error{Class: ClassTransient, RetryAfter: after, Err: err}
}

// Permanent wraps err as a per-branch terminal failure.
func Permanent(err error) error {
	return &Error{Class: ClassPermanent, Err: err}
}

// Fatal wraps err as fatal to the whole workflow run.
func Fatal(err error) error {
	return &Error{Class: ClassFatal, Err: err}
}

// Classify maps an arbitrary error to its class. Unclassified errors
// default to transient: unknown failures are assumed recoverable and
// bounded by the retry budget. Context cancellation is cancelled; a
// deadline hit is transient (task execution timeout).
func Classify(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// retryAfterOf extracts an explicit retry delay, if any.
func retryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
