package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Node runtime retry defaults.
const (
	// DefaultRetryAttempts is the number of attempts the node runtime makes
	// before packaging a failure as a NodeError.
	DefaultRetryAttempts = 5

	// DefaultRetryCap bounds the exponential backoff interval between node
	// runtime retries.
	DefaultRetryCap = 10 * time.Second

	// DefaultAppRetryAttempts is the default cap for application-level
	// retryable errors inside processing functions.
	DefaultAppRetryAttempts = 12
)

// errMarkRetryable tags application-level errors that processing functions
// want retried by RetryPolicy.
var errMarkRetryable = errors.New("retryable")

// Retryable marks err as an application-level retryable error. RetryPolicy
// retries marked errors and treats all others as permanent.
func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return errors.Join(errMarkRetryable, err)
}

// IsRetryable reports whether err carries the retryable mark.
func IsRetryable(err error) bool {
	return errors.Is(err, errMarkRetryable)
}

// newExponential builds the bounded-exponential-jitter backoff used across
// the pipeline. backoff/v4 applies randomization (jitter) by default.
func newExponential(cap time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = cap
	b.MaxElapsedTime = 0 // Attempt count, not wall time, bounds the retries.

	// Scale the first interval down with small caps so short-cap nodes
	// (and tests) retry promptly.
	if quarter := cap / 4; quarter < b.InitialInterval {
		b.InitialInterval = quarter
	}

	return b
}

// callWithRetry invokes fn up to attempts times with bounded-exponential
// jitter backoff. The context cancels waiting between attempts.
func callWithRetry(ctx context.Context, fn func() (any, error), attempts int, cap time.Duration) (any, error) {
	if attempts < 1 {
		attempts = 1
	}

	var result any

	op := func() error {
		var err error

		result, err = fn()

		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newExponential(cap), uint64(attempts-1)), ctx)

	err := backoff.Retry(op, b)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// RetryPolicy retries application-level retryable errors inside processing
// functions (parse failures, structural mismatches). Errors not marked with
// Retryable stop the retry loop immediately and bubble up to the node
// runtime's own retry.
type RetryPolicy struct {
	// MaxAttempts caps the number of attempts. Zero means
	// DefaultAppRetryAttempts.
	MaxAttempts int

	// Cap bounds the backoff interval. Zero means DefaultRetryCap.
	Cap time.Duration
}

// Run executes op under the policy.
func (p RetryPolicy) Run(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = DefaultAppRetryAttempts
	}

	cap := p.Cap
	if cap == 0 {
		cap = DefaultRetryCap
	}

	wrapped := func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newExponential(cap), uint64(attempts-1)), ctx)

	err := backoff.Retry(wrapped, b)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}

	return err
}
