package df

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds the optimistic read/test-and-set loops. Losing a race
// is cheap, so the backoff starts at microseconds.
type RetryPolicy struct {
	MaxRetries uint64        `yaml:"MaxRetries"`
	Base       time.Duration `yaml:"Base"`
	Cap        time.Duration `yaml:"Cap"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 1000,
		Base:       time.Microsecond,
		Cap:        time.Millisecond,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	b := retry.NewExponential(p.Base)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(p.Cap, b)
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Do runs f until it succeeds or fails with anything but ErrConflict.
// Running out of retries turns the conflict into ErrContention.
func (p RetryPolicy) Do(ctx context.Context, f func(ctx context.Context) error) error {
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := f(ctx)
		if errors.Is(err, ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrConflict) {
		return errors.Wrapf(ErrContention, "gave up after %d retries", p.MaxRetries)
	}
	return err
}
