package retry

import (
	"context"
	"time"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times a failed call is retried.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry. Each further retry
// doubles it.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the wait between retries.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// or runs out of retries. The last error is returned unchanged.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{maxRetries: 3, baseWait: 100 * time.Millisecond, maxWait: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	wait := o.baseWait
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= o.maxRetries || !IsRecoverable(err) {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait *= 2
		if o.maxWait > 0 && wait > o.maxWait {
			wait = o.maxWait
		}
	}
}
