package mqrpc

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Future is a single-assignment result handle.
//
// It is completed at most once, either resolved with a value or rejected
// with an error. Every later completion attempt is a no-op. Since it
// exposes `Done` and `Error`, a `*Future[struct{}]` is a valid [Token].
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns an already completed `Future` holding `v`.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Rejected returns an already completed `Future` holding `err`.
func Rejected[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve completes the future with a value. It reports whether this call
// completed it.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Reject completes the future with an error. It reports whether this call
// completed it.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) (won bool) {
	f.once.Do(func() {
		f.val, f.err = v, err
		won = true
		close(f.done)
	})
	return
}

// Done is closed once the future is completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Completed reports whether the future holds a result.
func (f *Future[T]) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Error returns the rejection cause, nil if the future was resolved or
// is still pending.
func (f *Future[T]) Error() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future completes or `ctx` ends.
//
// A `ctx` ending only stops the wait: it does not complete the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

// OnDone calls `fn` in its own goroutine once the future completes.
func (f *Future[T]) OnDone(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.val, f.err)
	}()
}

// As converts an untyped future into a typed one. A value of the wrong
// dynamic type rejects the returned future with [ErrTypeMismatch].
func As[T any](f *Future[any]) *Future[T] {
	typed := NewFuture[T]()
	go func() {
		<-f.done
		if f.err != nil {
			typed.Reject(f.err)
			return
		}
		if f.val == nil {
			var zero T
			typed.Resolve(zero)
			return
		}
		v, ok := f.val.(T)
		if !ok {
			typed.Reject(fmt.Errorf(
				"%w: got %s instead of %s",
				ErrTypeMismatch,
				reflect.TypeOf(f.val),
				reflect.TypeFor[T](),
			))
			return
		}
		typed.Resolve(v)
	}()
	return typed
}
