// Package retry runs a whole transfer session as one unit of retry.
//
// Connection-level failures are retried with exponential backoff
// (base, 2×base, 4×base, ...) up to MaxAttempts; anything else short-circuits.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	apperrors "lanshare/internal/errors"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

// Policy is immutable per client.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Attempt is one full session attempt. attempt starts at 1.
type Attempt func(ctx context.Context, attempt int) error

// ExhaustedError is returned once MaxAttempts consecutive retryable failures
// have happened. It carries the last underlying error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// NotifyFunc observes every scheduled retry.
type NotifyFunc func(attempt int, delay time.Duration, err error)

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithSleep replaces the real timer, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		c.sleep = fn
	}
}

func WithNotify(fn NotifyFunc) Option {
	return func(c *Controller) {
		c.notify = fn
	}
}

type Controller struct {
	policy Policy
	log    *zap.Logger
	sleep  SleepFunc
	notify NotifyFunc
}

func New(policy Policy, opts ...Option) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	c := &Controller{
		policy: policy,
		log:    zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Policy() Policy {
	return c.policy
}

// Do runs fn until it succeeds, fails fatally, or the attempt bound is hit.
// It returns the number of attempts made.
func (c *Controller) Do(ctx context.Context, fn Attempt) (int, error) {
	b := c.schedule()
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !apperrors.IsRetryable(err) {
			c.log.Debug("attempt failed fatally", zap.Int("attempt", attempt), zap.Error(err))
			return attempt, err
		}
		if attempt >= c.policy.MaxAttempts {
			c.log.Warn("retry budget exhausted", zap.Int("attempts", attempt), zap.Error(err))
			return attempt, &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := b.NextBackOff()
		c.log.Info("retrying transfer",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.notify != nil {
			c.notify(attempt, delay, err)
		}
		if serr := c.sleep(ctx, delay); serr != nil {
			return attempt, fmt.Errorf("retry: cancelled during backoff after attempt %d: %w (last error: %v)", attempt, serr, err)
		}
	}
}

// Delays returns the backoff that would precede attempts 2..MaxAttempts.
func (c *Controller) Delays() []time.Duration {
	b := c.schedule()
	delays := make([]time.Duration, 0, c.policy.MaxAttempts-1)
	for i := 1; i < c.policy.MaxAttempts; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

func (c *Controller) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
