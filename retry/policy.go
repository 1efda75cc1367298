// Package retry implements the executor's retry contract: whether a
// failed attempt should be retried, how long to wait, and how many
// attempts to make.
package retry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ErrCancelled and ErrTimeout are never retried, regardless of
// configuration, even if whitelisted.
var (
	ErrCancelled = errors.New("retry: cancelled")
	ErrTimeout   = errors.New("retry: timeout")
)

// ConfigurationError reports a LinearRetryPolicy misconfiguration: mixing
// whitelist and blacklist. It is detected when Execute runs, not when the
// policy is built. A nil predicate passed to HandleWhen is not rejected;
// non-error types are ruled out by the compiler via Handle's type bound.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("retry: configuration error: %s", e.Reason)
}

// OnRetryFunc is invoked between attempts, never after the final failed
// attempt and never when ShouldRetry rejects an error outright.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// Policy decides whether an error is retryable and drives attempt/backoff
// for a unit of work.
type Policy interface {
	ShouldRetry(err error) bool
	Execute(ctx context.Context, fn func(context.Context) error, onRetry OnRetryFunc) error
}

// LinearRetryPolicy is the reference Policy: a fixed attempt budget and
// either a single fixed delay or a per-attempt delay slice, with
// whitelist/blacklist/predicate filtering.
type LinearRetryPolicy struct {
	attempts int
	delays   []time.Duration

	whitelist []reflect.Type
	blacklist []reflect.Type
	predicate func(error) bool
}

// NewLinearRetryPolicy builds a policy that retries up to attempts times
// total, waiting delay between each. attempts must be >= 1.
func NewLinearRetryPolicy(attempts int, delay time.Duration) *LinearRetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return &LinearRetryPolicy{attempts: attempts, delays: []time.Duration{delay}}
}

// NewLinearRetryPolicyWithDelays builds a policy with a distinct delay per
// attempt. len(delays) should be attempts-1; the final delay is reused if
// the slice is shorter.
func NewLinearRetryPolicyWithDelays(attempts int, delays []time.Duration) *LinearRetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return &LinearRetryPolicy{attempts: attempts, delays: delays}
}

// Handle whitelists errors assignable to T (and types derived from it via
// errors.As). Mutually exclusive with DoNotHandle; mixing the two is a
// ConfigurationError returned the next time Execute runs.
func Handle[T error](p *LinearRetryPolicy) *LinearRetryPolicy {
	var zero T
	p.whitelist = append(p.whitelist, reflect.TypeOf(zero))
	return p
}

// DoNotHandle blacklists errors assignable to T. Mutually exclusive with
// Handle.
func DoNotHandle[T error](p *LinearRetryPolicy) *LinearRetryPolicy {
	var zero T
	p.blacklist = append(p.blacklist, reflect.TypeOf(zero))
	return p
}

// HandleWhen installs a predicate that takes precedence over any
// whitelist/blacklist configuration. fn must not be nil.
func (p *LinearRetryPolicy) HandleWhen(fn func(error) bool) *LinearRetryPolicy {
	p.predicate = fn
	return p
}

func (p *LinearRetryPolicy) configError() error {
	if len(p.whitelist) > 0 && len(p.blacklist) > 0 {
		return &ConfigurationError{Reason: "Handle and DoNotHandle are mutually exclusive"}
	}
	return nil
}

// ShouldRetry reports whether err should trigger another attempt.
// Cancellation and timeout errors are never retried. Absent any
// whitelist/blacklist/predicate, every other error is retried.
func (p *LinearRetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout) {
		return false
	}
	if p.predicate != nil {
		return p.predicate(err)
	}
	if len(p.blacklist) > 0 {
		for _, t := range p.blacklist {
			if matchesType(err, t) {
				return false
			}
		}
		return true
	}
	if len(p.whitelist) > 0 {
		for _, t := range p.whitelist {
			if matchesType(err, t) {
				return true
			}
		}
		return false
	}
	return true
}

func matchesType(err error, t reflect.Type) bool {
	if t == nil {
		return false
	}
	target := reflect.New(t).Interface()
	return errors.As(err, target)
}

func (p *LinearRetryPolicy) delayForAttempt(attempt int) time.Duration {
	if len(p.delays) == 0 {
		return 0
	}
	if attempt-1 < len(p.delays) {
		return p.delays[attempt-1]
	}
	return p.delays[len(p.delays)-1]
}

// Execute runs fn up to the configured attempt budget. If an attempt fails
// and ShouldRetry is false, the error is returned immediately with no
// further attempts and no OnRetry call. Otherwise it waits the configured
// delay, invokes onRetry, and tries again. After the final failed attempt
// the error is returned without invoking onRetry.
func (p *LinearRetryPolicy) Execute(ctx context.Context, fn func(context.Context) error, onRetry OnRetryFunc) error {
	if err := p.configError(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.attempts {
			return lastErr
		}

		delay := p.delayForAttempt(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if onRetry != nil {
			onRetry(attempt, lastErr, delay)
		}
	}
	return lastErr
}
