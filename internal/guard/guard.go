// Package guard bounds calls into the automation backend with a deadline.
//
// The backend has no cooperative cancellation: a guarded call that times
// out is abandoned on the caller side but may still complete and leave
// side effects behind. Callers must treat ErrTimedOut as "outcome
// unknown", not "rolled back".
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimedOut is returned when an operation exceeds its budget. It is
// distinct from the operation's own failure so callers can surface a
// gateway-timeout rather than a generic error.
var ErrTimedOut = errors.New("operation timed out")

type result[T any] struct {
	value T
	err   error
}

// Do runs op with the given budget and returns its result, or ErrTimedOut
// (wrapped with the operation name) once the budget is exhausted. The
// operation keeps running in its own goroutine after a timeout; its late
// result is discarded.
func Do[T any](ctx context.Context, name string, budget time.Duration, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, budget)

	ch := make(chan result[T], 1)
	go func() {
		defer cancel()
		v, err := op(opCtx)
		ch <- result[T]{value: v, err: err}
	}()

	select {
	case res := <-ch:
		return finish(name, res)
	case <-opCtx.Done():
		// The goroutine cancels opCtx after delivering its result, so
		// both cases can be ready at once. A delivered result wins over
		// the deadline.
		select {
		case res := <-ch:
			return finish(name, res)
		default:
		}
		var zero T
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		slog.Warn("Guarded operation exceeded budget", "op", name, "budget", budget)
		return zero, fmt.Errorf("%s after %s: %w", name, budget, ErrTimedOut)
	}
}

func finish[T any](name string, res result[T]) (T, error) {
	if res.err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", name, res.err)
	}
	return res.value, nil
}

// Run is Do for operations without a result.
func Run(ctx context.Context, name string, budget time.Duration, op func(context.Context) error) error {
	_, err := Do(ctx, name, budget, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
