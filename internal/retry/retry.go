// Package retry runs an operation with bounded exponential backoff, retrying
// only errors that billingerror classifies as transient.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/config"
)

// Outcome reports how many attempts ran and the last error seen.
type Outcome struct {
	Attempts int
	LastErr  error
}

// Exhausted is true when every attempt failed with a transient error.
func (o Outcome) Exhausted() bool {
	return o.LastErr != nil && billingerror.Retryable(o.LastErr)
}

// Do calls op until it succeeds, returns a terminal error, or the policy
// runs out of attempts. onRetry is called before each sleep.
func Do[T any](ctx context.Context, policy config.RetryPolicy, op func(ctx context.Context, attempt int) (T, error), onRetry func(err error, wait time.Duration)) (T, Outcome, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		res, err := op(ctx, attempts)
		if err != nil && !billingerror.Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newBackOff(policy)),
		backoff.WithMaxTries(uint(maxAttempts(policy))),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if onRetry != nil {
				onRetry(err, wait)
			}
		}),
	)
	return res, Outcome{Attempts: attempts, LastErr: err}, err
}

func newBackOff(policy config.RetryPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

func maxAttempts(policy config.RetryPolicy) int {
	if policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}
