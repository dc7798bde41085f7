package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/payflow/pkg/api"
)

// runQueueConformance checks the behaviour every Queue backend shares. The
// factory must return an empty queue.
func runQueueConformance(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFO", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, q.Enqueue(ctx, Task{ID: id, Type: TaskActivity, Name: "activity-" + id}))
		}
		require.Equal(t, 3, q.Len())

		for _, id := range []string{"1", "2", "3"} {
			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.Equal(t, id, got.ID)
			require.Equal(t, "activity-"+id, got.Name)
			require.False(t, got.EnqueuedAt.IsZero())
		}
		require.Equal(t, 0, q.Len())
	})

	t.Run("RoundTripsFields", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		in := Task{
			ID:         "adv-1",
			Type:       TaskAdvance,
			InstanceID: "inst-1",
			TaskID:     4,
			Target:     "@deductions@inst-1",
			Payload:    []byte("operand"),
			Event:      &api.Event{Type: api.EventActivityCompleted, TaskID: 4, Payload: []byte("150")},
			Retry:      api.RetryPolicy{FirstRetryInterval: time.Second, MaxAttempts: 3},
		}
		require.NoError(t, q.Enqueue(ctx, in))

		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, TaskAdvance, got.Type)
		require.Equal(t, "inst-1", got.InstanceID)
		require.Equal(t, 4, got.TaskID)
		require.Equal(t, "@deductions@inst-1", got.Target)
		require.Equal(t, []byte("operand"), got.Payload)
		require.NotNil(t, got.Event)
		require.Equal(t, api.EventActivityCompleted, got.Event.Type)
		require.Equal(t, []byte("150"), got.Event.Payload)
		require.Equal(t, 3, got.Retry.MaxAttempts)
	})

	t.Run("DelayedTaskWaitsForNotBefore", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		delay := 300 * time.Millisecond
		start := time.Now()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "later", Type: TaskTimer, NotBefore: start.Add(delay)}))
		require.NoError(t, q.Enqueue(ctx, Task{ID: "now", Type: TaskAdvance}))

		first, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, "now", first.ID, "due task must overtake the delayed one")

		second, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, "later", second.ID)
		require.GreaterOrEqual(t, time.Since(start), delay-10*time.Millisecond)
	})

	t.Run("DequeueBlocksUntilTaskArrives", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan *Task, 1)
		go func() {
			got, err := q.Dequeue(ctx)
			if err != nil {
				done <- nil
				return
			}
			done <- got
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, Task{ID: "late", Type: TaskPurge, Target: "inst-9"}))

		select {
		case got := <-done:
			require.NotNil(t, got)
			require.Equal(t, "inst-9", got.Target)
		case <-time.After(3 * time.Second):
			t.Fatal("Dequeue did not return after enqueue")
		}
	})

	t.Run("DequeueHonorsCancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		require.Error(t, err)
		require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	})
}
