package resilient_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caissapos/caissa/pkg/resilient"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// httpError mimics an API error carrying an HTTP status.
type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d", e.status)
}

func (e *httpError) HTTPStatus() int {
	return e.status
}

func fastConfig() resilient.Config {
	return resilient.Config{
		MaxAttempts:    3,
		AttemptTimeout: 200 * time.Millisecond,
		Backoff: resilient.Backoff{
			BaseDelay:    time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
			JitterFactor: 0,
		},
		FailureThreshold: 2,
		ResetTimeout:     40 * time.Millisecond,
	}
}

func TestExecutorRetriesTransientFailure(t *testing.T) {
	e := resilient.New(fastConfig(), nil)

	var calls int32
	value, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &httpError{status: 503}
		}
		return "ok", nil
	}, resilient.Options{})

	assert.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestExecutorDoesNotRetryTerminalFailure(t *testing.T) {
	e := resilient.New(fastConfig(), nil)

	var calls int32
	_, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &httpError{status: 401}
	}, resilient.Options{})

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.True(t, resilient.IsCode(err, resilient.CodeHTTP))
	assert.Equal(t, 401, resilient.StatusCode(err))
}

func TestExecutorOfflineFailsFast(t *testing.T) {
	monitor := resilient.NewMonitor()
	monitor.SetOnline(false)
	e := resilient.New(fastConfig(), monitor)

	var calls int32
	_, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}, resilient.Options{})

	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
	assert.True(t, resilient.IsCode(err, resilient.CodeOffline))
	// An offline rejection never feeds the breaker.
	assert.Equal(t, 0, e.Breaker().Failures())
}

func TestExecutorTimeout(t *testing.T) {
	conf := fastConfig()
	conf.MaxAttempts = 1
	conf.AttemptTimeout = 20 * time.Millisecond
	e := resilient.New(conf, nil)

	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, resilient.Options{})

	assert.True(t, resilient.IsCode(err, resilient.CodeTimeout))
}

func TestExecutorAborted(t *testing.T) {
	e := resilient.New(fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, ctx.Err()
	}, resilient.Options{})

	assert.True(t, resilient.IsCode(err, resilient.CodeAborted))
	assert.Equal(t, 0, e.Breaker().Failures())
}

func TestExecutorCircuitOpens(t *testing.T) {
	conf := fastConfig()
	conf.MaxAttempts = 1
	e := resilient.New(conf, nil)

	boom := func(context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}

	_, err := e.Execute(context.Background(), boom, resilient.Options{})
	assert.Error(t, err)
	_, err = e.Execute(context.Background(), boom, resilient.Options{})
	assert.Error(t, err)
	assert.Equal(t, resilient.StateOpen, e.Breaker().State())

	// Fail fast, without invoking the operation.
	var calls int32
	_, err = e.Execute(context.Background(), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}, resilient.Options{})
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
	assert.True(t, resilient.IsCode(err, resilient.CodeCircuitOpen))

	rerr := &resilient.Error{}
	assert.True(t, errors.As(err, &rerr))
	assert.Greater(t, rerr.RetryAfter, time.Duration(0))

	// After the reset timeout a successful probe closes the circuit.
	time.Sleep(50 * time.Millisecond)
	value, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	}, resilient.Options{})
	assert.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, resilient.StateClosed, e.Breaker().State())
}

func TestExecutorDedupe(t *testing.T) {
	e := resilient.New(fastConfig(), nil)

	var calls int32
	release := make(chan struct{})
	op := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := e.Execute(context.Background(), op, resilient.Options{DedupeKey: "k"})
			assert.NoError(t, err)
			results[i] = value
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, "shared", results[0])
	assert.Equal(t, "shared", results[1])
}

func TestMonitorNotify(t *testing.T) {
	monitor := resilient.NewMonitor()
	assert.True(t, monitor.Online())

	var observed []bool
	var mu sync.Mutex
	unsubscribe := monitor.Notify(func(online bool) {
		mu.Lock()
		observed = append(observed, online)
		mu.Unlock()
	})

	monitor.SetOnline(false)
	monitor.SetOnline(false) // no change, no notification
	monitor.SetOnline(true)

	unsubscribe()
	monitor.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, observed)
}
