//go:build linux || darwin

package kevsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKernelQueue(t *testing.T) *KernelQueue {
	t.Helper()
	kq, err := NewKernelQueue()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kq.Close() })
	return kq
}

func Test_KernelQueue_ScheduleAndReceiveTimer(t *testing.T) {
	kq := newTestKernelQueue(t)

	l := NewLink(EventTime(5_000_000, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l, nil))
	assert.True(t, l.Dispatched())

	hits, err := kq.Receive(time.Second)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Same(t, l, hits[0].link)
}

func Test_KernelQueue_CancelRemovesReference(t *testing.T) {
	kq := newTestKernelQueue(t)

	e := EventTime(time.Hour.Nanoseconds(), nil)
	l := NewLink(e, func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l, nil))
	assert.Len(t, kq.Operations(), 1)

	require.NoError(t, kq.Cancel(&l.event))
	assert.Empty(t, kq.Operations())
	assert.True(t, l.Cancelled())
}

func Test_KernelQueue_InterruptWakesReceive(t *testing.T) {
	kq := newTestKernelQueue(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hits, err := kq.Receive(time.Hour)
		assert.NoError(t, err)
		require.Len(t, hits, 1)
		assert.True(t, hits[0].isInterrupt)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, kq.Interrupt())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not wake the blocked Receive")
	}
}

func Test_KernelQueue_TransitionEvictsNonCyclicButKeepsCyclic(t *testing.T) {
	kq := newTestKernelQueue(t)
	tq := NewTaskQueue(0)

	oneshot := NewLink(EventTime(5_000_000, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(oneshot, nil))

	cyclicFlag := true
	recurring := NewLink(EventTime(5_000_000, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(recurring, &cyclicFlag))

	var hits []hit
	for len(hits) < 2 {
		got, err := kq.Receive(time.Second)
		require.NoError(t, err)
		hits = append(hits, got...)
	}
	kq.Transition(hits, tq)

	assert.True(t, oneshot.Cancelled())
	assert.False(t, recurring.Cancelled())
	ops := kq.Operations()
	assert.Len(t, ops, 1)
	assert.Same(t, recurring, ops[0])
}

func Test_KernelQueue_CancellationBucketClearedByTransition(t *testing.T) {
	kq := newTestKernelQueue(t)
	tq := NewTaskQueue(0)

	l := NewLink(EventTime(time.Hour.Nanoseconds(), nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l, nil))
	require.NoError(t, kq.Cancel(&l.event))
	assert.Len(t, kq.cancellations, 1, "retired Link must survive until the next collection pass")

	kq.Transition(nil, tq)
	assert.Empty(t, kq.cancellations, "transition releases the cancellation bucket")
}

func Test_KernelQueue_ReplaceDisplacesPriorIntoCancellations(t *testing.T) {
	kq := newTestKernelQueue(t)

	rfd, wfd, err := pipeFDs()
	require.NoError(t, err)
	t.Cleanup(func() { closeIgnore(rfd); closeIgnore(wfd) })

	l1 := NewLink(EventIOReceive(rfd, -1, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l1, nil))

	l2 := NewLink(EventIOReceive(rfd, -1, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l2, nil))

	assert.True(t, l1.Cancelled())
	assert.Len(t, kq.cancellations, 1)
	require.Len(t, kq.Operations(), 1)
	assert.Same(t, l2, kq.Operations()[0])
}

func Test_KernelQueue_ReceiveAfterCloseReturnsNothing(t *testing.T) {
	kq := newTestKernelQueue(t)
	require.NoError(t, kq.Close())

	hits, err := kq.Receive(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.True(t, kq.Closed())

	require.NoError(t, kq.Close(), "Close is idempotent")
}

func Test_KernelQueue_CancelReleasesOwnedHandle(t *testing.T) {
	kq := newTestKernelQueue(t)

	l := NewLink(EventFSStatus(t.TempDir(), -1, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l, nil))
	require.GreaterOrEqual(t, l.Event().Resource(), 0, "scheduling a filesystem Event opens a watch descriptor")

	require.NoError(t, kq.Cancel(&l.event))
	assert.Equal(t, -1, l.Event().Resource(), "retiring the registration must release the owned handle")
}

func Test_KernelQueue_TransitionReleasesEvictedHandles(t *testing.T) {
	kq := newTestKernelQueue(t)
	tq := NewTaskQueue(0)

	l := NewLink(EventTime(5_000_000, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l, nil))

	hits, err := kq.Receive(time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	kq.Transition(hits, tq)

	assert.True(t, l.Cancelled())
	assert.Equal(t, -1, l.Event().Resource(), "a fired one-shot Link must not leave its handle open")
}

func Test_KernelQueue_DisplacedHandleReleasedWithBucket(t *testing.T) {
	kq := newTestKernelQueue(t)
	tq := NewTaskQueue(0)

	dir := t.TempDir()
	l1 := NewLink(EventFSStatus(dir, -1, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l1, nil))

	l2 := NewLink(EventFSStatus(dir, -1, nil), func(*Link) {}, nil)
	require.NoError(t, kq.Schedule(l2, nil))
	require.True(t, l1.Cancelled())

	kq.Transition(nil, tq)
	assert.Equal(t, -1, l1.Event().Resource(), "the displaced registration's handle is released with the bucket")
	assert.GreaterOrEqual(t, l2.Event().Resource(), 0, "the live registration keeps its handle")

	require.NoError(t, kq.Cancel(&l2.event))
	assert.Equal(t, -1, l2.Event().Resource())
}
