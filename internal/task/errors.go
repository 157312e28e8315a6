package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class is the error taxonomy used by the runner to decide what happens next.
type Class int

const (
	// ClassTransient failures are retried with backoff up to the retry cap.
	ClassTransient Class = iota
	// ClassStructural marks missing or unparseable markup. Dependent logic is
	// skipped; if it fails a pipeline it is retried like a transient error.
	ClassStructural
	// ClassFatal stops the account until an explicit Start.
	ClassFatal
	// ClassBestEffort errors are logged and discarded at their boundary.
	ClassBestEffort
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStructural:
		return "structural"
	case ClassFatal:
		return "fatal"
	case ClassBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

var errUnspecified = errors.New("task failed")

type classified struct {
	class Class
	err   error
}

func (e classified) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e classified) Unwrap() error { return e.err }

func wrap(c Class, err error) error {
	if err == nil {
		return nil
	}
	return classified{class: c, err: err}
}

// Transient marks err as recoverable.
//
//	return task.Fail(task.Transient(fmt.Errorf("navigate: %w", err)))
func Transient(err error) error { return wrap(ClassTransient, err) }

// Structural marks err as a degraded-data signal.
func Structural(err error) error { return wrap(ClassStructural, err) }

// Fatal marks err as non-recoverable for the account.
func Fatal(err error) error { return wrap(ClassFatal, err) }

// BestEffort marks err as a side-channel failure that must never propagate.
func BestEffort(err error) error { return wrap(ClassBestEffort, err) }

// ClassOf returns the outermost class attached to err. Unclassified errors
// are transient; they escalate at the retry cap.
func ClassOf(err error) Class {
	var c classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassTransient
}

func IsFatal(err error) bool { return err != nil && ClassOf(err) == ClassFatal }

// Classify returns the most severe class across a result's errors.
func Classify(r Result) Class {
	out := ClassTransient
	for _, e := range r.errs {
		switch ClassOf(e) {
		case ClassFatal:
			return ClassFatal
		case ClassStructural:
			out = ClassStructural
		}
	}
	return out
}

// Interrupted reports whether the result was cut short by cancellation of the
// task context (pause or stop), as opposed to a deadline.
func Interrupted(r Result) bool {
	for _, e := range r.errs {
		if errors.Is(e, context.Canceled) {
			return true
		}
	}
	return false
}

// RetryAfter attaches a suggested delay before the next attempt. The policy
// honors it, bounded by its maximum retry delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryHint returns the first retry-after hint in r, if any.
func RetryHint(r Result) (time.Duration, bool) {
	for _, e := range r.errs {
		var ra RetryAfterError
		if errors.As(e, &ra) {
			return ra.RetryAfter(), true
		}
	}
	return 0, false
}

type joined []error

func (j joined) Error() string {
	parts := make([]string, 0, len(j))
	for _, e := range j {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

func (j joined) Unwrap() []error { return j }
