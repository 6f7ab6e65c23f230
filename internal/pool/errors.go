// Package pool implements the bounded executor used for parallel external
// calls: a permit-gated worker pool whose effective concurrency is governed
// by an AIMD controller reacting to provider capacity pushback.
package pool

import (
	"errors"
	"fmt"
	"time"
)

// CapacityError signals provider pushback (HTTP 429 or 503). It is raised
// instead of a plain error so the pool can throttle: the AIMD controller
// halves the in-flight cap whenever one surfaces. Capacity errors are
// always retryable.
type CapacityError struct {
	Status     int
	Message    string
	RetryAfter *time.Duration
}

func (e *CapacityError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("capacity error (status=%d): %s", e.Status, e.Message)
	}
	return "capacity error: " + e.Message
}

func (e *CapacityError) Retryable() bool { return true }

// IsCapacity reports whether err is (or wraps) a CapacityError.
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// ErrShutdown is returned by Submit after Shutdown has begun.
var ErrShutdown = errors.New("pool: shut down")

// SubmitTimeoutError is returned when a permit could not be acquired
// within the configured submit timeout.
type SubmitTimeoutError struct {
	Waited time.Duration
}

func (e *SubmitTimeoutError) Error() string {
	return fmt.Sprintf("pool: no permit after %s", e.Waited)
}
