package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// RecoverableError lets an error state explicitly whether retrying it can
// succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// transientPatterns match driver and network failures seen from the
// checkpoint, lock and delivery backends that clear up on their own.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"temporary failure",
	"too many connections",
	"deadlock detected",
	"could not serialize access",
	"transaction conflict",
	"pool exhausted",
	"rate limit",
	"service unavailable",
	"bad gateway",
}

// IsRecoverable reports whether err is worth retrying. An explicit
// RecoverableError wins; otherwise deadlines and network errors are
// recoverable, cancellation is not, and the message is matched against
// known transient failures.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var explicit RecoverableError
	if errors.As(err, &explicit) {
		return explicit.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string       { return e.err.Error() }
func (e *markedError) Unwrap() error       { return e.err }
func (e *markedError) IsRecoverable() bool { return e.recoverable }

// NewRecoverableError marks err as safe to retry.
func NewRecoverableError(err error) error {
	return &markedError{err: err, recoverable: true}
}

// NewNonRecoverableError marks err as permanent even if its message looks
// transient.
func NewNonRecoverableError(err error) error {
	return &markedError{err: err, recoverable: false}
}
