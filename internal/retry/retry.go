// Package retry reloads and reapplies an operation that lost an optimistic
// concurrency race. Any other error stops immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"smartop/internal/domain"
)

const (
	DefaultAttempts = 3
	initialInterval = 20 * time.Millisecond
	maxInterval     = 250 * time.Millisecond
)

// OnConflict runs op up to attempts times while it fails with a
// ConcurrencyConflict. op must load fresh state on every call.
func OnConflict[T any](ctx context.Context, attempts int, op func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	var result T
	err := backoff.Retry(func() error {
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		if domain.IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	return result, err
}
