package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/atombond/internal/atom"
)

// RetryPolicy bounds how hard a store tries before surfacing a StorageError.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
}

// DefaultRetryPolicy makes three attempts starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, InitialInterval: 50 * time.Millisecond}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	return p
}

// retry runs op with exponential backoff. Errors wrapped with
// backoff.Permanent stop immediately. Exhaustion yields a StorageError.
func retry[T any](ctx context.Context, p RetryPolicy, opName string, key atom.LedgerKey, op func() (T, error)) (T, error) {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = 20 * p.InitialInterval

	attempts := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		return op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.Attempts)),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, err
		}
		return result, &StorageError{Op: opName, Key: key, Attempts: attempts, Err: err}
	}
	return result, nil
}
