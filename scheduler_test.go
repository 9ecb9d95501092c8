//go:build linux || darwin

package kevsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { s.Void() })
	return s
}

func Test_Scheduler_TimerFiresOnceAndStops(t *testing.T) {
	s := newTestScheduler(t)

	fired := 0
	e := EventTime(10_000_000, nil)
	l := NewLink(e, func(*Link) { fired++ }, nil)

	_, err := s.Dispatch(l, nil)
	require.NoError(t, err)

	_, err = s.Wait(time.Second)
	require.NoError(t, err)
	s.Execute()

	assert.Equal(t, 1, fired)
	assert.NotContains(t, s.Operations(), l)
}

func Test_Scheduler_RecurringTimerFiresRepeatedly(t *testing.T) {
	s := newTestScheduler(t)

	fired := 0
	e := EventTime(5_000_000, nil)
	l := NewLink(e, func(*Link) { fired++ }, nil)
	cyclic := true

	_, err := s.Dispatch(l, &cyclic)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Wait(time.Second)
		require.NoError(t, err)
		s.Execute()
	}

	assert.Equal(t, 3, fired)
	assert.Contains(t, s.Operations(), l)
}

func Test_Scheduler_CrossThreadEnqueueWakesBlockingWait(t *testing.T) {
	s := newTestScheduler(t)

	ran := make(chan struct{}, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Enqueue(func() { ran <- struct{}{} })
	}()

	n, err := s.Wait(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no kernel events should have been collected")

	s.Execute()
	select {
	case <-ran:
	default:
		t.Fatal("enqueued task did not run")
	}
}

func Test_Scheduler_ReplaceDispatch(t *testing.T) {
	s := newTestScheduler(t)

	rfd, wfd, err := pipeFDs()
	require.NoError(t, err)
	t.Cleanup(func() { closeIgnore(rfd); closeIgnore(wfd) })

	e := EventIOReceive(rfd, -1, nil)
	var task1Ran, task2Ran bool
	l1 := NewLink(e, func(*Link) { task1Ran = true }, nil)
	_, err = s.Dispatch(l1, nil)
	require.NoError(t, err)

	e2 := EventIOReceive(rfd, -1, nil)
	l2 := NewLink(e2, func(*Link) { task2Ran = true }, nil)
	_, err = s.Dispatch(l2, nil)
	require.NoError(t, err)

	writeByte(t, wfd)

	_, err = s.Wait(time.Second)
	require.NoError(t, err)
	s.Execute()

	assert.False(t, task1Ran)
	assert.True(t, task2Ran)
	assert.True(t, l1.Cancelled())
}

func Test_Scheduler_ProcessExitRejectsCyclicOverride(t *testing.T) {
	s := newTestScheduler(t)

	l := NewLink(EventProcessExit(1, -1, nil), func(*Link) {}, nil)
	cyclic := true
	_, err := s.Dispatch(l, &cyclic)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_Scheduler_TaskRaisesTrapCaptures(t *testing.T) {
	s := newTestScheduler(t)

	var trappedTask any
	var trappedErr error
	trap := NewLink(EventMetaException(nil), func(self *Link) {
		fault := self.Context().(*ExecutionFault)
		trappedTask = fault.Task
		trappedErr = fault.Err
	}, nil)
	_, err := s.Dispatch(trap, nil)
	require.NoError(t, err)

	ranAfter := false
	require.NoError(t, s.Enqueue(func() { panic("task exploded") }))
	require.NoError(t, s.Enqueue(func() { ranAfter = true }))

	ran := s.Execute()

	assert.GreaterOrEqual(t, ran, 1)
	assert.True(t, ranAfter)
	require.NotNil(t, trappedTask)
	require.Error(t, trappedErr)
	assert.Contains(t, trappedErr.Error(), "task exploded")
}

func Test_Scheduler_CloseIsIdempotent(t *testing.T) {
	s := newTestScheduler(t)
	assert.True(t, s.Close())
	assert.False(t, s.Close())
}

func Test_Scheduler_CloseInvokesTerminateLinksOnce(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	invocations := 0
	term := NewLink(EventMetaTerminate(nil), func(*Link) { invocations++ }, nil)
	_, err = s.Dispatch(term, nil)
	require.NoError(t, err)

	assert.True(t, s.Close())
	s.Execute()
	assert.Equal(t, 1, invocations)

	assert.False(t, s.Close())
	s.Execute()
	assert.Equal(t, 1, invocations, "meta_terminate Links fire at most once per Scheduler lifetime")
}

func Test_Scheduler_ActuateFiresOnceAndTransitionsState(t *testing.T) {
	s := newTestScheduler(t)

	fired := 0
	l := NewLink(EventMetaActuate(nil), func(*Link) { fired++ }, nil)
	_, err := s.Dispatch(l, nil)
	require.NoError(t, err)

	_, err = s.Wait(time.Second)
	require.NoError(t, err)
	s.Execute()
	assert.Equal(t, 1, fired)
	assert.NotContains(t, s.Operations(), l, "meta_actuate is one-shot")

	_, err = s.Dispatch(NewLink(EventMetaActuate(nil), func(*Link) {}, nil), nil)
	assert.ErrorIs(t, err, ErrAlreadyActuated)
}

func Test_Scheduler_DispatchCancelRoundTrip(t *testing.T) {
	s := newTestScheduler(t)

	l := NewLink(EventTime(time.Hour.Nanoseconds(), nil), func(*Link) {}, nil)
	_, err := s.Dispatch(l, nil)
	require.NoError(t, err)
	require.Len(t, s.Operations(), 1)

	require.NoError(t, s.CancelLink(l))
	assert.Empty(t, s.Operations(), "cancel must leave no trace of the registration")
	assert.True(t, l.Cancelled())

	require.NoError(t, s.CancelLink(l), "cancelling an unregistered Event is a no-op")
}

func Test_Scheduler_WaitAfterCloseReturnsZero(t *testing.T) {
	s := newTestScheduler(t)
	require.True(t, s.Close())

	n, err := s.Wait(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, s.Closed())
}

func Test_Scheduler_NegativeTimeoutPollsWithoutBlocking(t *testing.T) {
	s := newTestScheduler(t)

	start := time.Now()
	n, err := s.Wait(-10 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func Test_Scheduler_InterruptWakesBlockedWait(t *testing.T) {
	s := newTestScheduler(t)

	issued := make(chan bool, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ok, err := s.Interrupt()
		assert.NoError(t, err)
		issued <- ok
	}()

	start := time.Now()
	n, err := s.Wait(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "an interrupt is not a collected event")
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, <-issued, "Interrupt while blocked must report that a wake was issued")

	ok, err := s.Interrupt()
	require.NoError(t, err)
	assert.False(t, ok, "no wake needed when the owner is not blocked")
}

func Test_Scheduler_VoidSkipsTerminateLinks(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	invoked := false
	_, err = s.Dispatch(NewLink(EventMetaTerminate(nil), func(*Link) { invoked = true }, nil), nil)
	require.NoError(t, err)

	s.Void()
	s.Execute()
	assert.False(t, invoked, "Void drops references without terminate-delivery")
	assert.True(t, s.Closed())
	assert.Empty(t, s.Operations())
}

func Test_Scheduler_LoadedReflectsPendingTasks(t *testing.T) {
	s := newTestScheduler(t)

	assert.False(t, s.Loaded())
	require.NoError(t, s.Enqueue(func() {}))
	assert.True(t, s.Loaded())
	s.Execute()
	assert.False(t, s.Loaded())
}

func Test_Scheduler_CloseReleasesOwnedHandles(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	term := NewLink(EventMetaTerminate(nil), func(*Link) {}, nil)
	_, err = s.Dispatch(term, nil)
	require.NoError(t, err)

	watch := NewLink(EventFSStatus(t.TempDir(), -1, nil), func(*Link) {}, nil)
	_, err = s.Dispatch(watch, nil)
	require.NoError(t, err)

	require.True(t, s.Close())
	s.Execute()

	assert.Equal(t, -1, term.Event().Resource())
	assert.Equal(t, -1, watch.Event().Resource(), "Close must release handles of registrations it never fired")
	assert.Empty(t, s.Operations())
}
