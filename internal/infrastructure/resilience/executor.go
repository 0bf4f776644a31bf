package resilience

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrorClassification tells the executor whether a failed call may be repeated and whether it
// counts against the backend's health.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Executor guards outbound calls (object store, session store, queue publish, OCR). Each
// operation name gets its own breaker, so a failing bucket does not trip the queue.
type Executor struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

var errNilCall = errors.New("resilience: nil call")

// Execute runs fn under the retry policy and, when enabled, the breaker for operation.
// A nil Executor runs fn exactly once.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	if fn == nil {
		return errNilCall
	}
	if e == nil {
		return fn(ctx)
	}
	if classifier == nil {
		classifier = recordEverything
	}
	operation = operationName(operation)

	call := func() error { return e.retry(ctx, operation, fn, classifier) }
	if !e.cfg.BreakerEnabled {
		return call()
	}
	_, err := e.breaker(operation, classifier).Execute(func() (struct{}, error) {
		return struct{}{}, call()
	})
	return err
}

func (e *Executor) retry(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	delays := newBackoff(e.cfg)
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= e.cfg.RetryMaxAttempts || !classifier(err).Retryable {
			return err
		}

		wait := delays.next()
		slog.Warn("outbound_call_retry",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", e.cfg.RetryMaxAttempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		if !sleep(ctx, wait) {
			return err
		}
	}
}

func (e *Executor) breaker(operation string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[operation]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](e.cfg.breakerSettings(operation, classifier))
	e.breakers[operation] = cb
	return cb
}

// IsCircuitOpen reports whether err was produced by a breaker refusing the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func operationName(op string) string {
	if op = strings.TrimSpace(op); op != "" {
		return op
	}
	return "unnamed"
}

func recordEverything(error) ErrorClassification {
	return ErrorClassification{Retryable: false, RecordFailure: true}
}

// backoff yields capped exponential delays.
type backoff struct {
	current time.Duration
	max     time.Duration
	factor  float64
}

func newBackoff(cfg Config) *backoff {
	return &backoff{current: cfg.RetryInitialBackoff, max: cfg.RetryMaxBackoff, factor: cfg.RetryMultiplier}
}

func (b *backoff) next() time.Duration {
	d := min(b.current, b.max)
	b.current = min(time.Duration(float64(b.current)*b.factor), b.max)
	return d
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
