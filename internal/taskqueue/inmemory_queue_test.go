package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	runQueueConformance(t, func(t *testing.T) Queue {
		return NewInMemoryQueue(16)
	})
}

func TestInMemoryQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), Task{ID: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Enqueue(ctx, Task{ID: "2"}), context.DeadlineExceeded)

	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), Task{ID: "3"}))
}

func TestInMemoryQueue_ConcurrentConsumersDrainEverything(t *testing.T) {
	q := NewInMemoryQueue(256)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 100
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.TaskID] = true
				done := len(seen) == n
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(context.Background(), Task{TaskID: i}))
	}
	wg.Wait()

	require.Len(t, seen, n)
	require.Equal(t, 0, q.Len())
}
