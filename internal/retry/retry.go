// Package retry provides the pure retry primitives shared by the job queue
// and the embedding supervisor: exponential backoff with a ceiling, and a
// permanent/transient error classifier.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sapientpants/doctrans-sub001/internal/models"
)

// Class is the retry classification of a failure.
type Class int

const (
	// Transient failures (timeouts, connection errors, 5xx-equivalent
	// service errors) are retried up to the attempt ceiling.
	Transient Class = iota
	// Permanent failures (validation errors, missing records, explicit
	// do-not-retry signals) are never retried.
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// PermanentError marks an error as an explicit do-not-retry signal.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// MarkPermanent wraps err so that Classify reports it as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classify maps a raw failure into permanent or transient. It is total and
// deterministic: the same error value always yields the same classification.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return Permanent
	}

	var validation *models.ValidationError
	if errors.As(err, &validation) {
		return Permanent
	}

	if errors.Is(err, models.ErrNotFound) {
		return Permanent
	}

	// Timeouts and cancellations are transient infrastructure failures.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}

	// Everything else (network errors, 5xx-equivalent service errors) is
	// assumed retryable.
	return Transient
}

// Backoff computes the delay before retry number attempt (zero-based):
// min(base * 2^attempt, max). The result is non-decreasing in attempt.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max > 0 && base >= max {
		return max
	}
	if attempt < 0 {
		attempt = 0
	}
	// Shifting past 62 bits overflows time.Duration; the cap applies long
	// before that anyway.
	if attempt > 62 {
		return max
	}
	delay := base << uint(attempt)
	if delay <= 0 || (max > 0 && delay > max) {
		return max
	}
	return delay
}
