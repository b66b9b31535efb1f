package lockqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueBasic(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Acquire(ctx))
	assert.False(t, q.TryAcquire())
	q.Release()
	assert.True(t, q.TryAcquire())
	q.Release()
}

func TestQueueFIFO(t *testing.T) {
	q := New()
	ctx := context.Background()
	require.NoError(t, q.Acquire(ctx))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, q.Acquire(ctx))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			q.Release()
		}(i)
		// Give each goroutine time to enqueue so the arrival order is fixed.
		for {
			if q.Waiters() >= i {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	q.Release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestQueueOverflow(t *testing.T) {
	q := New(WithMaxWaiters(1))
	ctx := context.Background()
	require.NoError(t, q.Acquire(ctx))

	done := make(chan error, 1)
	go func() { done <- q.Acquire(ctx) }()
	for q.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}

	err := q.Acquire(ctx)
	assert.ErrorIs(t, err, ErrOverflow)

	q.Release()
	require.NoError(t, <-done)
	q.Release()
}

func TestQueueContextCancel(t *testing.T) {
	q := New()
	require.NoError(t, q.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Acquire(ctx) }()
	for q.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, q.Waiters())

	// The queue is still usable after the canceled waiter left.
	q.Release()
	assert.True(t, q.TryAcquire())
	q.Release()
}

func TestQueueDo(t *testing.T) {
	q := New()
	ran := false
	err := q.Do(context.Background(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, q.TryAcquire())
	q.Release()
}
