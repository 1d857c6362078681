// FILE: ratelimit.go
// Package main – Process-wide REST rate limiter and the uniform retry policy.
//
// Two x/time/rate limiters waited in sequence:
//   • window:  15 requests per second (burst 15) – the venue budget
//   • spacing: 1 token per 100ms (burst 1)       – keeps nonces arriving in
//     order; two requests racing onto the wire is how "EAPI:Invalid nonce"
//     happens
//
// The retry policy is one value configured on the client and applied to every
// operation: bounded attempts, linear backoff attempt×base. Retryability is
// decided by isRetryable (errors.go); ambiguous submissions are never retried.

package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type restLimiter struct {
	window  *rate.Limiter
	spacing *rate.Limiter
}

func newRESTLimiter() *restLimiter {
	return &restLimiter{
		window:  rate.NewLimiter(rate.Limit(15), 15),
		spacing: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// wait blocks until both limiters admit one call, or ctx is done.
func (l *restLimiter) wait(ctx context.Context) error {
	if err := l.window.Wait(ctx); err != nil {
		return err
	}
	return l.spacing.Wait(ctx)
}

// retryPolicy re-issues an operation on transient failure with linear backoff.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
}

// do runs fn up to attempts times. Only retryable errors are re-issued;
// everything else surfaces immediately.
func (p retryPolicy) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) || attempt == p.attempts {
			return err
		}
		IncRESTRetry()
		delay := time.Duration(attempt) * p.baseDelay
		log.Warn().Str("op", op).Int("attempt", attempt).Dur("backoff", delay).Err(err).
			Msg("transient venue error, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
