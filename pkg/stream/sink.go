package stream

import (
	"context"
	"io"
	"sync"

	"github.com/srg/blemux/internal/queue"
)

// Funcs adapts plain functions to a Sink. Nil functions are skipped.
type Funcs[T any] struct {
	OnNext     func(T)
	OnComplete func(error)
}

func (f Funcs[T]) Next(v T) {
	if f.OnNext != nil {
		f.OnNext(v)
	}
}

func (f Funcs[T]) Complete(err error) {
	if f.OnComplete != nil {
		f.OnComplete(err)
	}
}

// Buffer is a Sink that queues values for a pull-style consumer. Delivery
// never blocks the callback context.
type Buffer[T any] struct {
	values *queue.SyncQueue[T]
	signal chan struct{}

	mu   sync.Mutex
	done bool
	err  error
}

// NewBuffer creates an empty buffer.
func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{
		values: queue.New[T](),
		signal: make(chan struct{}, 1),
	}
}

func (b *Buffer[T]) Next(v T) {
	b.values.Append(v)
	b.wake()
}

func (b *Buffer[T]) Complete(err error) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	b.err = err
	b.mu.Unlock()
	b.wake()
}

func (b *Buffer[T]) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Recv returns the next value. Once the queued values are exhausted it
// returns io.EOF after a successful completion, or the stream failure.
func (b *Buffer[T]) Recv(ctx context.Context) (T, error) {
	for {
		if v, ok := b.values.RemoveFirst(); ok {
			return v, nil
		}

		b.mu.Lock()
		done, err := b.done, b.err
		b.mu.Unlock()
		if done {
			// a value may have landed between the two checks
			if v, ok := b.values.RemoveFirst(); ok {
				return v, nil
			}
			var zero T
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-b.signal:
		}
	}
}

// Terminated reports whether the terminal signal has been received.
func (b *Buffer[T]) Terminated() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.err
}

// Pending returns the number of values not yet received.
func (b *Buffer[T]) Pending() int {
	return b.values.Len()
}

// Collect subscribes to s and gathers every value until the stream
// terminates. Cancelling ctx cancels the subscription.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	buf := NewBuffer[T]()
	sub := s.Subscribe(buf)
	defer sub.Cancel()

	var out []T
	for {
		v, err := buf.Recv(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// First subscribes to s and returns its first value, cancelling the stream
// afterwards. A stream that completes without values yields io.EOF.
func First[T any](ctx context.Context, s *Stream[T]) (T, error) {
	buf := NewBuffer[T]()
	sub := s.Subscribe(buf)
	defer sub.Cancel()
	return buf.Recv(ctx)
}
