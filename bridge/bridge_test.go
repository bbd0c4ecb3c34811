package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoReturnsOperationResult(t *testing.T) {
	t.Parallel()

	b := New(1)
	defer b.Close()

	got, err := Do(b, func(ctx context.Context) ([]byte, error) {
		return []byte("tree bytes"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("tree bytes"), got)
}

func TestDoPropagatesErrorVerbatim(t *testing.T) {
	t.Parallel()

	b := New(1)
	defer b.Close()

	sentinel := errors.New("disk full")
	_, err := Do(b, func(ctx context.Context) (int, error) {
		return 0, sentinel
	})
	require.Same(t, sentinel, err)
}

func TestDoBlocksUntilOperationCompletes(t *testing.T) {
	t.Parallel()

	b := New(1)
	defer b.Close()

	var committed atomic.Bool
	_, err := Do(b, func(ctx context.Context) (struct{}, error) {
		time.Sleep(20 * time.Millisecond)
		committed.Store(true)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	require.True(t, committed.Load(), "Do returned before the operation finished")
}

func TestSingleWorkerSerializesOperations(t *testing.T) {
	t.Parallel()

	b := New(1)
	defer b.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	var running atomic.Int32

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := Do(b, func(ctx context.Context) (struct{}, error) {
				require.Equal(t, int32(1), running.Add(1))
				defer running.Add(-1)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return struct{}{}, nil
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Len(t, order, 8)
}

func TestDoAfterCloseFails(t *testing.T) {
	t.Parallel()

	b := New(1)
	b.Close()

	err := DoErr(b, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseWaitsForInflightOperations(t *testing.T) {
	t.Parallel()

	b := New(2)

	started := make(chan struct{})
	var finished atomic.Bool
	go func() {
		_ = DoErr(b, func(ctx context.Context) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()

	<-started
	b.Close()
	require.True(t, finished.Load(), "Close returned before in-flight operation finished")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New(1)
	b.Close()
	b.Close()
}
