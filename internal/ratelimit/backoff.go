package ratelimit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AdmitPolicy bounds how long a caller keeps retrying a denied quota.
type AdmitPolicy struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultAdmitPolicy retries for roughly two minutes before giving up.
func DefaultAdmitPolicy() AdmitPolicy {
	return AdmitPolicy{MinDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}
}

// backOff doubles from MinDelay up to MaxDelay with +/-20% jitter and stops
// after MaxAttempts waits or when ctx ends.
func (p AdmitPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.MinDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts)), ctx)
}

// Admit calls Allow until it succeeds, backing off between denials. It
// returns false once the attempts are spent and ctx.Err() if ctx ends first.
func (l *Limiter) Admit(ctx context.Context, class Class, scope string, p AdmitPolicy) (bool, error) {
	if l.Allow(ctx, class, scope) {
		return true, nil
	}
	b := p.backOff(ctx)
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return false, ctx.Err()
		}
		if err := l.sleep(ctx, d); err != nil {
			return false, err
		}
		if l.Allow(ctx, class, scope) {
			return true, nil
		}
	}
}
