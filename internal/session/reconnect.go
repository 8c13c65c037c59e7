package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrGiveUp marks an attempt error that must not be retried.
var ErrGiveUp = errors.New("reconnect abandoned")

// ReconnectPolicy is the one place viewer clients decide whether and when to
// reconnect after a socket drops. It is advertised to viewers in the hello
// message and applied by client code through Run.
type ReconnectPolicy struct {
	// MaxAttempts bounds consecutive failed attempts. Zero means unbounded.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectPolicy returns the production defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: 10, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Fixed reports whether the policy retries at a constant delay.
func (p ReconnectPolicy) Fixed() bool {
	return p.MaxDelay > 0 && p.MaxDelay <= p.InitialDelay
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	if p.Fixed() {
		return backoff.NewConstantBackOff(p.InitialDelay)
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// Run calls attempt until it returns nil, returns an error wrapping
// ErrGiveUp, the attempts are exhausted, or ctx ends. notify, when non-nil,
// sees every failure with the delay before the next attempt.
func (p ReconnectPolicy) Run(ctx context.Context, attempt func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	op := func() (struct{}, error) {
		err := attempt(ctx)
		if err != nil && errors.Is(err, ErrGiveUp) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxAttempts)))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}
	_, err := backoff.Retry(ctx, op, opts...)
	return err
}
