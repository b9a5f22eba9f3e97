package app

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"quiz-session-client/internal/domain"
)

// RetryPolicy bounds the exponential backoff used for writes and submit.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 8 * time.Second
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// retry runs fn until it succeeds, fails with a non-transient error, the
// attempts are exhausted or ctx is done. attempt is 1-based.
func retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) (int, error) {
	attempt := 0
	op := func() error {
		attempt++
		err := fn(attempt)
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, p.backOff(ctx))
	if err == nil {
		return attempt, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !domain.IsRejected(err) {
		return attempt, domain.Transient("retry", ctxErr)
	}
	return attempt, err
}
