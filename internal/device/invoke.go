package device

import (
	"context"
	"fmt"
	"time"
)

type outcome[T any] struct {
	val T
	err error
}

// invoke runs fn under a deadline of timeout, converting panics into
// ErrDriverPanic. A driver that ignores ctx keeps running in the background
// after invoke has returned ErrTimeout; its late result is discarded.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	v, _, err := invokeLate(ctx, timeout, fn, nil)
	return v, err
}

// invokeLate is invoke with a hook for results that arrive after the
// deadline. When invoke gives up on fn, abandoned is true and late runs in
// the background once fn finally returns, so resources the caller never
// saw can be released.
func invokeLate[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error), late func(T, error)) (v T, abandoned bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{zero, fmt.Errorf("%w: %v", ErrDriverPanic, r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome[T]{v, err}
	}()

	select {
	case o := <-done:
		return o.val, false, o.err
	case <-ctx.Done():
		if late != nil {
			go func() {
				o := <-done
				late(o.val, o.err)
			}()
		}
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, true, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return zero, true, ctx.Err()
	}
}

// invokeErr is invoke for calls that only return an error.
func invokeErr(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := invoke(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
