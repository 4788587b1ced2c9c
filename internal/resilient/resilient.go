// Package resilient wraps fallible remote calls with a per-call deadline,
// an exponential retry policy, and a circuit breaker. The breaker wraps the
// retry loop as a whole: one full retry sequence counts as a single
// breaker-tracked attempt, so a retry burst cannot hammer a failing
// dependency past the breaker threshold.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options tune a single Invoker. Zero values fall back to defaults.
type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	CallTimeout   time.Duration
	Retryable     func(error) bool
}

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultFactor       = 2.0
	defaultCallTimeout  = 10 * time.Second
)

func (o *Options) applyDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.BackoffFactor == 0 {
		o.BackoffFactor = defaultFactor
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.Retryable == nil {
		o.Retryable = IsRetryable
	}
}

// Invoker executes remote calls under one retry policy and one breaker.
// Construct one per upstream target at process start and inject it; breaker
// state is process-local and never persisted.
type Invoker struct {
	opts    Options
	breaker *Breaker
}

func New(opts Options, breaker *Breaker) *Invoker {
	opts.applyDefaults()
	return &Invoker{opts: opts, breaker: breaker}
}

// Do runs fn under the breaker and retry policy. Each attempt gets its own
// deadline. Non-retryable errors abort on first occurrence.
func (i *Invoker) Do(ctx context.Context, fn func(context.Context) error) error {
	call := func() error {
		return i.retry(ctx, fn)
	}
	if i.breaker == nil {
		return call()
	}
	return i.breaker.Execute(call)
}

func (i *Invoker) retry(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.opts.InitialDelay
	b.MaxInterval = i.opts.MaxDelay
	b.Multiplier = i.opts.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, i.opts.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if !i.opts.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(i.opts.MaxAttempts-1)), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

// Invoke runs a value-returning call through inv.
func Invoke[T any](ctx context.Context, inv *Invoker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := inv.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsRetryable classifies transient transport failures: deadlines, network
// timeouts, refused connections, and DNS lookup failures. Anything else
// propagates immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"timeout", "connection refused", "connection reset", "no such host", "network"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Unavailable marks an error as an exhausted-upstream failure so callers can
// distinguish "could not determine" from a negative determination.
type Unavailable struct {
	Target string
	Err    error
}

func (u *Unavailable) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", u.Target, u.Err)
}

func (u *Unavailable) Unwrap() error { return u.Err }
