package shared

import (
	"context"
	"sync"
)

// Oneshot is a single-use rendezvous between one waiter and one resolver.
// The first Resolve or Reject wins; later calls report false and change
// nothing.
type Oneshot[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewOneshot creates an unresolved signal.
func NewOneshot[T any]() *Oneshot[T] {
	return &Oneshot[T]{done: make(chan struct{})}
}

// Resolve completes the signal with a value.
func (o *Oneshot[T]) Resolve(value T) bool {
	return o.complete(value, nil)
}

// Reject completes the signal with an error.
func (o *Oneshot[T]) Reject(err error) bool {
	var zero T
	return o.complete(zero, err)
}

func (o *Oneshot[T]) complete(value T, err error) bool {
	fired := false
	o.once.Do(func() {
		o.value = value
		o.err = err
		fired = true
		close(o.done)
	})
	return fired
}

// Done is closed once the signal has been resolved or rejected.
func (o *Oneshot[T]) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the signal completes or ctx ends. When ctx ends first the
// context error is returned and the signal stays unresolved.
func (o *Oneshot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
