package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/dccp/internal/adapter"
	"github.com/ocx/dccp/internal/circuitbreaker"
)

// executeWithRetry calls the adapter up to MaxRetries+1 times. Each attempt
// gets its own deadline and runs through the adapter's circuit breaker. An
// open breaker or a cancelled caller ends the loop early. It returns the
// number of attempts made.
func (o *Orchestrator) executeWithRetry(ctx context.Context, ad adapter.Adapter, req *adapter.Request, cfg Config) (*adapter.RawResponse, int, error) {
	breaker := o.deps.Breakers.Get(ad.ID())

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		began := o.now()
		raw, err := circuitbreaker.Execute(ctx, breaker, func(ctx context.Context) (*adapter.RawResponse, error) {
			return o.attempt(ctx, ad, req, cfg.Timeout)
		})
		o.observeAttempt(ad.ID(), began, err)
		if err == nil {
			return raw, attempt, nil
		}
		lastErr = err

		if circuitbreaker.Rejected(err) {
			return nil, attempt, err
		}
		if ctx.Err() != nil {
			return nil, attempt, fmt.Errorf("%w (after %d attempts)", ctx.Err(), attempt)
		}
		if attempt > cfg.MaxRetries {
			break
		}

		backoff := cfg.BaseBackoff*time.Duration(1<<(attempt-1)) + o.jitter(cfg.MaxJitter)
		slog.Warn("[Orchestrator] Attempt failed, backing off",
			"adapter", ad.ID(), "attempt", attempt, "backoff", backoff, "error", err)
		if err := o.sleep(ctx, backoff); err != nil {
			return nil, attempt, fmt.Errorf("%w (after %d attempts)", err, attempt)
		}
	}

	slog.Error("[Orchestrator] Retries exhausted", "adapter", ad.ID(), "max_retries", cfg.MaxRetries, "error", lastErr)
	return nil, cfg.MaxRetries + 1, lastErr
}

type attemptOutcome struct {
	raw *adapter.RawResponse
	err error
}

// attempt races the adapter call against its deadline. An adapter that
// ignores ctx is abandoned when the timer fires; its late reply is discarded.
func (o *Orchestrator) attempt(ctx context.Context, ad adapter.Adapter, req *adapter.Request, timeout time.Duration) (*adapter.RawResponse, error) {
	if timeout <= 0 {
		return ad.Execute(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		raw, err := ad.Execute(actx, req)
		done <- attemptOutcome{raw: raw, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, out.err)
		}
		return out.raw, out.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slog.Warn("[Orchestrator] Attempt timed out, abandoning call", "adapter", ad.ID(), "timeout", timeout)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func (o *Orchestrator) observeAttempt(adapterID string, began time.Time, err error) {
	m := o.deps.Metrics
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case circuitbreaker.Rejected(err):
		outcome = "rejected"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	m.Attempts.WithLabelValues(adapterID, outcome).Inc()
	m.AttemptDuration.WithLabelValues(adapterID).Observe(o.now().Sub(began).Seconds())
}
