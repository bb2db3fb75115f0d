package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueReturnsTaskResult(t *testing.T) {
	q := New()
	defer q.Close()

	executed := false
	err := q.Enqueue(context.Background(), "session:1", func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)

	expectedErr := errors.New("task failed")
	err = q.Enqueue(context.Background(), "session:1", func(ctx context.Context) error {
		return expectedErr
	})
	assert.Equal(t, expectedErr, err)
}

func TestQueue_SameLaneIsSerialAndOrdered(t *testing.T) {
	q := New()
	defer q.Close()

	var (
		mu      sync.Mutex
		order   []int
		running int32
		overlap bool
	)
	for i := 0; i < 5; i++ {
		i := i
		q.Submit(context.Background(), "session:serial", func(ctx context.Context) error {
			if atomic.AddInt32(&running, 1) > 1 {
				overlap = true
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	require.True(t, q.WaitForIdle(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, overlap)
}

func TestQueue_LanesRunConcurrently(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, lane := range []string{"session:a", "session:b"} {
		lane := lane
		q.Submit(context.Background(), lane, func(ctx context.Context) error {
			started <- lane
			<-release
			return nil
		})
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case lane := <-started:
			seen[lane] = true
		case <-time.After(time.Second):
			t.Fatal("lanes did not start concurrently")
		}
	}
	close(release)

	assert.True(t, seen["session:a"])
	assert.True(t, seen["session:b"])
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_EmptyLanesAreForgotten(t *testing.T) {
	q := New()
	defer q.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "session:x", func(ctx context.Context) error { return nil }))
	}

	assert.True(t, q.WaitForIdle(time.Second))
	assert.Equal(t, 0, q.ActiveLanes())
	assert.Equal(t, 0, q.Pending("session:x"))
}

func TestQueue_Pending(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	q.Submit(context.Background(), "session:p", func(ctx context.Context) error {
		<-release
		return nil
	})
	q.Submit(context.Background(), "session:p", func(ctx context.Context) error { return nil })
	q.Submit(context.Background(), "session:p", func(ctx context.Context) error { return nil })

	assert.Eventually(t, func() bool { return q.Pending("session:p") == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := New()
	defer q.Close()

	err := q.Enqueue(context.Background(), "session:panic", func(ctx context.Context) error {
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The lane keeps working afterwards.
	assert.NoError(t, q.Enqueue(context.Background(), "session:panic", func(ctx context.Context) error { return nil }))
}

func TestQueue_EnqueueHonoursCallerContext(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	q.Submit(context.Background(), "session:slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, "session:slow", func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_Close(t *testing.T) {
	q := New()

	started := make(chan struct{})
	var cancelled atomic.Bool
	q.Submit(context.Background(), "session:c", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- q.Enqueue(context.Background(), "session:c", func(ctx context.Context) error { return nil })
	}()
	assert.Eventually(t, func() bool { return q.Pending("session:c") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close())

	assert.True(t, cancelled.Load())
	assert.ErrorIs(t, <-queued, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), "session:c", func(ctx context.Context) error { return nil }), ErrClosed)
}

func TestLaneKind(t *testing.T) {
	assert.Equal(t, "session", laneKind("session:42"))
	assert.Equal(t, "sweep", laneKind("sweep"))
	assert.Equal(t, ":odd", laneKind(":odd"))
}

func TestQueue_SubmitAfterCloseDropsTask(t *testing.T) {
	q := New()
	require.NoError(t, q.Close())

	var ran atomic.Bool
	assert.NotPanics(t, func() {
		q.Submit(context.Background(), "session:late", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	})
	assert.False(t, ran.Load())
	assert.Equal(t, 0, q.Pending("session:late"))
}
