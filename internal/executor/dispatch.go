package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/handler"
	"github.com/ppiankov/actiongate/internal/policy"
)

var errHandlerTimeout = errors.New("handler timed out")

type dispatchResult struct {
	value any
	err   error
}

// dispatch runs the handler behind the action's circuit breaker and a
// timeout. A handler that ignores its context is abandoned, not awaited.
func (e *Executor) dispatch(ctx context.Context, act *policy.Action, h handler.Handler, args map[string]any, rec *record) Outcome {
	rec.dispatched = true
	start := e.now()

	var partial any
	v, err := e.breaker(act.Name).Execute(func() (interface{}, error) {
		res := e.invoke(ctx, h, args)
		partial = res.value
		return res.value, res.err
	})
	elapsed := e.now().Sub(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.DispatchDuration.WithLabelValues(act.Name, status).Observe(elapsed.Seconds())

	if err == nil {
		return Outcome{Success: true, Kind: KindSuccess, Action: act.Name, Result: v}
	}

	out := fail(act.Name, KindExecutionError, err.Error())
	out.Result = partial
	switch {
	case errors.Is(err, errHandlerTimeout):
		out.Detail = fmt.Sprintf("timeout after %s", e.timeout)
		out.Retryable = true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		out.Detail = "handler circuit open: " + err.Error()
		out.Retryable = true
		out.RetryAfterSeconds = int64(e.breakerCooldown.Seconds())
	default:
		out.Retryable = handler.IsRetryable(err)
	}
	e.logger.Warn("handler failed",
		zap.String("action", act.Name),
		zap.Bool("retryable", out.Retryable),
		zap.Error(err))
	return out
}

func (e *Executor) invoke(ctx context.Context, h handler.Handler, args map[string]any) dispatchResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("handler panic",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- dispatchResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := h.Handle(ctx, args)
		done <- dispatchResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: %v", errHandlerTimeout, res.err)
		}
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return dispatchResult{err: errHandlerTimeout}
		}
		return dispatchResult{err: ctx.Err()}
	}
}

// breaker returns the action's circuit breaker, creating it on first use.
func (e *Executor) breaker(action string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[action]; ok {
		return cb
	}
	failures := e.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        action,
		MaxRequests: 1,
		Timeout:     e.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			e.logger.Warn("handler breaker state change",
				zap.String("action", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	e.breakers[action] = cb
	return cb
}
