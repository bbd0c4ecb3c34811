// Package bridge adapts the store's synchronous call contract to
// asynchronous backend I/O. The protocol engine's storage calls must
// return finished results, so each operation is handed to a dedicated
// worker goroutine and the calling goroutine blocks until the worker has
// run it to completion.
//
// The bridge imposes no timeout: a slow backend stalls the calling
// goroutine indefinitely. That is a documented limitation of the
// synchronous contract, not something the bridge papers over. There is no
// cancellation either; once submitted, an operation always runs to
// completion.
package bridge

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("bridge: closed")

// Bridge runs submitted operations on its own workers. The zero value is
// not usable; construct with New.
type Bridge struct {
	jobs chan func()

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	workers  sync.WaitGroup
}

// New starts a bridge with the given number of worker goroutines.
// Workers < 1 is treated as 1. A single worker also serializes backend
// access, which is what the store wants by default.
func New(workers int) *Bridge {
	if workers < 1 {
		workers = 1
	}

	b := &Bridge{jobs: make(chan func())}
	b.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer b.workers.Done()
			for job := range b.jobs {
				job()
			}
		}()
	}
	return b
}

// Close stops accepting new operations, waits for in-flight ones to
// finish, and tears down the workers. Safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.inflight.Wait()
	close(b.jobs)
	b.workers.Wait()
}

type outcome[T any] struct {
	value T
	err   error
}

// Do runs op on a bridge worker and blocks until it has fully committed
// or fully failed, then returns its result unchanged. Exactly one
// completion is delivered per call.
//
// Do must not be called from inside a bridged operation: with a single
// worker that deadlocks, since the worker cannot pick up the nested job
// while it is blocked on it.
func Do[T any](b *Bridge, op func(ctx context.Context) (T, error)) (T, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		var zero T
		return zero, ErrClosed
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	done := make(chan outcome[T], 1)
	b.jobs <- func() {
		value, err := op(context.Background())
		done <- outcome[T]{value: value, err: err}
	}

	res := <-done
	return res.value, res.err
}

// DoErr is Do for operations with no result value.
func DoErr(b *Bridge, op func(ctx context.Context) error) error {
	_, err := Do(b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
