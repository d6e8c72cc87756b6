// Package resilient wraps arbitrary asynchronous operations with timeout,
// exponential-backoff retry, request de-duplication and a circuit breaker.
// It is the only path the session core uses to reach the network.
package resilient

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type (
	// An Operation is the unit of work executed with retries.
	Operation func(ctx context.Context) (any, error)

	// Options tune a single Execute call.
	Options struct {
		// MaxAttempts overrides the executor's configured attempt budget.
		MaxAttempts int
		// DedupeKey collapses concurrent calls sharing the key into one
		// in-flight operation; every caller receives the same outcome.
		DedupeKey string
		// OnRetry observes scheduled retries.
		OnRetry func(attempt int, err error, delay time.Duration)
	}

	// Config holds the executor parameters.
	Config struct {
		MaxAttempts      int           // default 3
		AttemptTimeout   time.Duration // default 10s
		Backoff          Backoff       // default DefaultBackoff
		FailureThreshold int           // default 5
		ResetTimeout     time.Duration // default 30s
		Logger           logrus.FieldLogger
	}

	// An Executor runs operations with bounded timeout, automatic retry on
	// transient failure and circuit breaking.
	Executor struct {
		conf    Config
		breaker *Breaker
		monitor *Monitor
		group   singleflight.Group

		// sleep is injectable for tests.
		sleep func(ctx context.Context, d time.Duration) error
	}

	result struct {
		value any
		err   error
	}
)

// New returns a new Executor. A nil monitor means connectivity is not tracked
// and every call is assumed online.
func New(conf Config, monitor *Monitor) *Executor {
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 3
	}
	if conf.AttemptTimeout <= 0 {
		conf.AttemptTimeout = 10 * time.Second
	}
	if conf.Backoff.BaseDelay <= 0 {
		conf.Backoff = DefaultBackoff
	}
	if conf.FailureThreshold <= 0 {
		conf.FailureThreshold = 5
	}
	if conf.ResetTimeout <= 0 {
		conf.ResetTimeout = 30 * time.Second
	}
	if conf.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		conf.Logger = logger
	}
	if monitor == nil {
		monitor = NewMonitor()
	}

	return &Executor{
		conf:    conf,
		breaker: NewBreaker(conf.FailureThreshold, conf.ResetTimeout),
		monitor: monitor,
		sleep:   sleep,
	}
}

// Execute runs the operation with the executor's retry policy.
// The returned error, when non-nil, is always a *Error.
func (e *Executor) Execute(ctx context.Context, op Operation, opts Options) (any, error) {
	if opts.DedupeKey == "" {
		return e.run(ctx, op, opts)
	}

	value, err, _ := e.group.Do(opts.DedupeKey, func() (any, error) {
		return e.run(ctx, op, opts)
	})
	return value, err
}

// Breaker exposes the circuit breaker, for observability.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}

// Monitor exposes the connectivity monitor.
func (e *Executor) Monitor() *Monitor {
	return e.monitor
}

func (e *Executor) run(ctx context.Context, op Operation, opts Options) (any, error) {
	if !e.monitor.Online() {
		return nil, &Error{Code: CodeOffline, Retryable: true}
	}

	if ok, retryAfter := e.breaker.Allow(); !ok {
		return nil, &Error{Code: CodeCircuitOpen, RetryAfter: retryAfter}
	}

	attempts := e.conf.MaxAttempts
	if opts.MaxAttempts > 0 {
		attempts = opts.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := e.attempt(ctx, op)
		if err == nil {
			e.breaker.Success()
			return value, nil
		}
		lastErr = err

		code, _, retryable := classify(err)
		if code == CodeAborted {
			// Caller cancellation short-circuits the loop without feeding
			// the breaker.
			return nil, &Error{Code: CodeAborted, cause: err}
		}
		if !retryable || attempt == attempts {
			break
		}

		delay := e.conf.Backoff.Delay(attempt)
		e.conf.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Debug("retrying operation")
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, &Error{Code: CodeAborted, cause: err}
		}
	}

	e.breaker.Failure()

	code, status, retryable := classify(lastErr)
	return nil, &Error{Code: code, Status: status, Retryable: retryable, cause: lastErr}
}

// attempt races the operation against the configured timeout. The operation
// runs on its own goroutine so a stuck call cannot wedge the executor.
func (e *Executor) attempt(ctx context.Context, op Operation) (any, error) {
	actx, cancel := context.WithTimeout(ctx, e.conf.AttemptTimeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		value, err := op(actx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: CodeTimeout, Retryable: true, cause: actx.Err()}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
