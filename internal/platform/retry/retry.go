package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 4, InitialDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// Do runs op until it succeeds, returns an error retryable rejects, or the
// policy or ctx is exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			zerolog.Ctx(ctx).Debug().Err(err).Int("attempt", tries).Dur("next", next).Msg("retrying")
		}),
	)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
