package commandqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueReturnsResult(t *testing.T) {
	q := New(0)
	defer q.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := q.Enqueue("session:a", task, nil)

	require.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := New(0)
	defer q.Close()

	taskErr := errors.New("task failed")
	task := func(ctx context.Context) (interface{}, error) {
		return nil, taskErr
	}

	result, err := q.Enqueue("session:a", task, nil)

	assert.ErrorIs(t, err, taskErr)
	assert.Nil(t, result)
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := New(0)
	defer q.Close()

	gate := make(chan struct{})
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			<-gate
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil, nil
		}, nil)
	}()

	require.Eventually(t, func() bool {
		return q.RunningCount("session:a") == 1
	}, time.Second, 5*time.Millisecond)

	// Enqueue followers one at a time so the queue order is deterministic.
	for i := 1; i <= 3; i++ {
		i := i
		before := q.QueueSize("session:a")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool {
			return q.QueueSize("session:a") == before+1
		}, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestQueue_CrossLaneParallelism(t *testing.T) {
	q := New(0)
	defer q.Close()

	gate := make(chan struct{})
	blocked := make(chan struct{})

	go func() {
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			close(blocked)
			<-gate
			return nil, nil
		}, nil)
	}()

	<-blocked

	// A task on another lane completes while session:a is still running.
	done := make(chan struct{})
	go func() {
		_, err := q.Enqueue("session:b", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lane session:b blocked behind lane session:a")
	}

	close(gate)
}

func TestQueue_WorkerPoolCap(t *testing.T) {
	q := New(1)
	defer q.Close()

	gate := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			close(holding)
			<-gate
			return nil, nil
		}, nil)
	}()

	<-holding

	bStarted := make(chan struct{})
	bDone := make(chan struct{})
	go func() {
		_, _ = q.Enqueue("session:b", func(ctx context.Context) (interface{}, error) {
			close(bStarted)
			return nil, nil
		}, nil)
		close(bDone)
	}()

	// With a single worker the second lane's task must wait for the slot.
	select {
	case <-bStarted:
		t.Fatal("task on second lane ran past the worker cap")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	select {
	case <-bDone:
	case <-time.After(time.Second):
		t.Fatal("second lane task never ran after the slot freed")
	}
}

func TestQueue_ResetLaneRejectsQueued(t *testing.T) {
	q := New(0)
	defer q.Close()

	gate := make(chan struct{})
	holding := make(chan struct{})

	headDone := make(chan error, 1)
	go func() {
		_, err := q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			close(holding)
			<-gate
			return nil, nil
		}, nil)
		headDone <- err
	}()

	<-holding

	queuedDone := make(chan error, 1)
	go func() {
		_, err := q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		queuedDone <- err
	}()

	require.Eventually(t, func() bool {
		return q.QueueSize("session:a") == 1
	}, time.Second, time.Millisecond)

	rejected := q.ResetLane("session:a")
	assert.Equal(t, 1, rejected)

	select {
	case err := <-queuedDone:
		assert.ErrorIs(t, err, ErrLaneReset)
	case <-time.After(time.Second):
		t.Fatal("queued task not rejected by reset")
	}

	// The in-flight task is unaffected by the reset.
	close(gate)
	select {
	case err := <-headDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("in-flight task did not complete")
	}
}

func TestQueue_CloseRejectsNewWork(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Close())

	_, err := q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_CloseCancelsRunningTask(t *testing.T) {
	q := New(0)

	cancelled := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}, nil)
	}()

	<-started
	require.NoError(t, q.Close())

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task context not cancelled by Close")
	}
}

func TestQueue_SetConcurrency(t *testing.T) {
	q := New(0)
	defer q.Close()

	q.SetConcurrency("schedule", 2)

	gate := make(chan struct{})
	var running sync.WaitGroup
	running.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = q.Enqueue("schedule", func(ctx context.Context) (interface{}, error) {
				running.Done()
				<-gate
				return nil, nil
			}, nil)
		}()
	}

	// Both tasks of the widened lane hold the gate at once.
	waited := make(chan struct{})
	go func() {
		running.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("lane did not run two tasks concurrently")
	}

	assert.Equal(t, 2, q.RunningCount("schedule"))
	close(gate)
}

func TestQueue_WarnTimerFires(t *testing.T) {
	q := New(0)
	defer q.Close()

	gate := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			close(holding)
			<-gate
			return nil, nil
		}, nil)
	}()
	<-holding

	type waitInfo struct {
		waitMs   int64
		queuePos int
	}
	waited := make(chan waitInfo, 1)

	go func() {
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfterMs: 10,
			OnWait: func(waitMs int64, queuePos int) {
				waited <- waitInfo{waitMs: waitMs, queuePos: queuePos}
			},
		})
	}()

	select {
	case info := <-waited:
		assert.GreaterOrEqual(t, info.waitMs, int64(10))
		assert.Equal(t, 0, info.queuePos)
	case <-time.After(time.Second):
		t.Fatal("OnWait callback never fired")
	}

	close(gate)
}

func TestQueue_WaitForActive(t *testing.T) {
	q := New(0)
	defer q.Close()

	started := make(chan struct{})
	go func() {
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}, nil)
	}()

	<-started
	assert.True(t, q.WaitForActive(time.Second))
}

func TestQueue_WaitForActiveTimeout(t *testing.T) {
	q := New(0)
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-gate
			return nil, nil
		}, nil)
	}()

	<-started
	assert.False(t, q.WaitForActive(50*time.Millisecond))
	close(gate)
}

func TestQueue_Stats(t *testing.T) {
	q := New(0)
	defer q.Close()

	_, err := q.Enqueue("session:a", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)
	q.SetConcurrency("schedule", 4)

	stats := q.Stats()
	require.Contains(t, stats, "session:a")
	require.Contains(t, stats, "schedule")
	assert.Equal(t, 1, stats["session:a"]["concurrency"])
	assert.Equal(t, 4, stats["schedule"]["concurrency"])
	assert.Equal(t, 0, stats["session:a"]["queued"])
}

func TestQueue_UnknownLaneCounts(t *testing.T) {
	q := New(0)
	defer q.Close()

	assert.Equal(t, 0, q.QueueSize("session:missing"))
	assert.Equal(t, 0, q.RunningCount("session:missing"))
	assert.Equal(t, 0, q.ResetLane("session:missing"))
}
