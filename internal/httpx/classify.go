// Package httpx classifies upstream HTTP failures as retryable or permanent
// (spec.md §4.3/§4.4/§7), and defines the synthetic status every adapter
// reports for a client-side timeout. The deadlines themselves are set by
// the adapters (internal/upstream, internal/dispatch), not here.
package httpx

import (
	"errors"
	"fmt"
)

// ClassifiedError wraps an upstream failure with the status code observed
// (or a synthetic one for transport-level failures) and whether the error
// is worth retrying.
type ClassifiedError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("httpx: status %d (retryable=%v): %v", e.Status, e.Retryable, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// StatusTimeout is the synthetic status used for client-side timeouts,
// which have no real HTTP status but are always retryable (spec.md §4.4).
const StatusTimeout = 408

var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Classify builds a ClassifiedError for the given status and underlying
// error. A nil err with a non-retryable status still produces an error,
// since Classify is only called on the failure path.
func Classify(status int, err error) *ClassifiedError {
	return &ClassifiedError{
		Status:    status,
		Retryable: retryableStatuses[status],
		Err:       err,
	}
}

// IsRetryable reports whether err (or any error it wraps) is a retryable
// ClassifiedError.
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsTimeout reports whether err is a classified client-side timeout.
// Timeouts are excluded from the hot poller's error budget (spec.md §4.9)
// even though they are retryable.
func IsTimeout(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Status == StatusTimeout
	}
	return false
}
