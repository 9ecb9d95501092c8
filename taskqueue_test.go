package kevsched

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_TaskQueue_FIFOWithinADrain(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(4)
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		q.EnqueueCallable(func() { order = append(order, i) })
	}
	q.Cycle()
	ran := q.Execute(nil)

	require.Equal(t, 10, ran)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, order[i])
	}
}

func Test_TaskQueue_SegmentGrowthAcrossExtend(t *testing.T) {
	t.Parallel()

	// maxTasksPerSegment smaller than the task count forces extendLocked to
	// run more than once, exercising the non-tail "allocated == capacity"
	// path in Execute.
	q := NewTaskQueue(4)
	const n = 50
	count := 0
	for i := 0; i < n; i++ {
		q.EnqueueCallable(func() { count++ })
	}
	q.Cycle()
	ran := q.Execute(nil)
	assert.Equal(t, n, ran)
	assert.Equal(t, n, count)
}

func Test_TaskQueue_PendingTracksLoadingChain(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(0)
	assert.False(t, q.Pending())
	q.EnqueueCallable(func() {})
	assert.True(t, q.Pending())
	q.Cycle()
	assert.False(t, q.Pending(), "Cycle resets the loading chain")
}

func Test_TaskQueue_ExecTrapCatchesPanic(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(0)
	q.EnqueueCallable(func() { panic("boom") })
	q.EnqueueCallable(func() {}) // must still run after the trapped panic
	q.Cycle()

	var trapped any
	var trappedErr error
	ran := q.Execute(func(task any, err error) {
		trapped = task
		trappedErr = err
	})

	assert.Equal(t, 2, ran)
	require.NotNil(t, trapped)
	require.Error(t, trappedErr)
	assert.Contains(t, trappedErr.Error(), "boom")
}

func Test_TaskQueue_NoTrapLogsAndContinues(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(0)
	ranSecond := false
	q.EnqueueCallable(func() { panic("boom") })
	q.EnqueueCallable(func() { ranSecond = true })
	q.Cycle()

	ran := q.Execute(nil)
	assert.Equal(t, 2, ran)
	assert.True(t, ranSecond)
}

func Test_TaskQueue_ConcurrentEnqueueFromForeignGoroutines(t *testing.T) {
	t.Parallel()

	q := NewTaskQueue(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.EnqueueCallable(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	q.Cycle()
	ran := q.Execute(nil)
	assert.Equal(t, 100, ran)
	assert.Equal(t, 100, count)
}

func Test_TaskQueue_LinkTaskInvokedWithItself(t *testing.T) {
	t.Parallel()

	var got *Link
	l := NewLink(EventNever(nil), func(self *Link) { got = self }, nil)

	q := NewTaskQueue(0)
	q.EnqueueLink(l)
	q.Cycle()
	q.Execute(nil)

	assert.Same(t, l, got)
}
