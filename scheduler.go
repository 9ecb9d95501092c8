package kevsched

import "time"

// maxExecuteIterations bounds Scheduler.Execute's drain/cycle loop (§4.5.2):
// "up to three drain/cycle iterations".
const maxExecuteIterations = 3

// Scheduler is the top-level coordinator composing a KernelQueue and a
// TaskQueue behind the waiting-state machine of §4.5.1. One Scheduler is
// owned by a single goroutine; only Enqueue and Interrupt are safe to call
// from foreign goroutines (§4.5.3, §5).
type Scheduler struct {
	kq      *KernelQueue
	tasks   *TaskQueue
	waiting *waitingState
	logger  Logger

	exceptionTrap *Link
}

// New constructs a Scheduler in the initial (not-yet-actuated) state.
func New(opts ...SchedulerOption) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	kq, err := NewKernelQueue(opts...)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		kq:      kq,
		tasks:   NewTaskQueue(cfg.maxTasksPerSegment),
		waiting: newWaitingState(),
		logger:  cfg.logger,
	}, nil
}

// Closed reports whether the Scheduler has released its kernel descriptors.
func (s *Scheduler) Closed() bool { return s.waiting.load() == stateClosed }

// Loaded reports whether the task queue currently has pending work.
func (s *Scheduler) Loaded() bool { return s.tasks.Pending() }

// Dispatch routes link by its Event's kind (§4.5.2):
//   - meta_exception: atomically install/replace the exception-trap slot;
//     never touches the kernel.
//   - meta_actuate: requires the Scheduler to be in its initial state with an
//     open kernel queue; transitions to normal operation, then proceeds as
//     the default case.
//   - default: delegates to KernelQueue.Schedule.
//
// cyclic, if non-nil, overrides the Link's inherited cyclic flag; kinds with
// inherently one-shot kernel semantics reject cyclic=true with
// ErrInvalidArgument.
func (s *Scheduler) Dispatch(link *Link, cyclic *bool) (*Link, error) {
	switch link.event.kind {
	case KindMetaException:
		s.exceptionTrap = link
		link.setDispatched(true)
		return link, nil

	case KindMetaActuate:
		if s.waiting.load() != stateInitial {
			return nil, WrapError("Dispatch", ErrAlreadyActuated)
		}
		if s.kq.Closed() {
			return nil, ErrSchedulerClosed
		}
		if !s.waiting.compareAndSwap(stateInitial, stateNotBlocked) {
			return nil, WrapError("Dispatch", ErrAlreadyActuated)
		}
		if err := s.kq.Schedule(link, cyclic); err != nil {
			s.waiting.compareAndSwap(stateNotBlocked, stateInitial)
			return nil, err
		}
		return link, nil

	default:
		if err := s.kq.Schedule(link, cyclic); err != nil {
			return nil, err
		}
		return link, nil
	}
}

// Cancel retires link's Event registration, or clears the exception-trap
// slot if it names the Link currently installed there (§4.5.2).
func (s *Scheduler) Cancel(event *Event) error {
	if event.kind == KindMetaException {
		if s.exceptionTrap != nil && s.exceptionTrap.event.Equal(event) {
			s.exceptionTrap.setCancelled(true)
			s.exceptionTrap = nil
		}
		return nil
	}
	return s.kq.Cancel(event)
}

// CancelLink is the Link-accepting form of Cancel (§6: cancel accepts a
// Link or an Event).
func (s *Scheduler) CancelLink(link *Link) error {
	return s.Cancel(link.Event())
}

// Enqueue appends a bare callable to the task queue under the cross-thread
// critical section, then wakes a blocked Wait (§4.5.2). Safe to call from
// any goroutine.
func (s *Scheduler) Enqueue(fn func()) error {
	s.tasks.EnqueueCallable(fn)
	return s.interruptWait()
}

// interruptWait issues a kernel-side wake if the owner thread is currently
// blocked inside Wait (§4.5.1's blocked -> interrupt-pending transition).
func (s *Scheduler) interruptWait() error {
	if !s.waiting.compareAndSwap(stateBlocked, stateInterruptPending) {
		// Either not blocked (the next Wait will see pending work or the
		// kernel event directly) or a wake is already in flight.
		return nil
	}
	return s.kq.Interrupt()
}

// Interrupt is the externally-callable form of interruptWait (§6:
// `interrupt() -> bool|none`), returning whether a wake was actually issued.
func (s *Scheduler) Interrupt() (bool, error) {
	if !s.waiting.compareAndSwap(stateBlocked, stateInterruptPending) {
		return false, nil
	}
	return true, s.kq.Interrupt()
}

// Execute runs up to maxExecuteIterations drain/cycle rounds (§4.5.2):
// each round executes the current executing chain through the configured
// exception trap, then cycles to pick up anything enqueued concurrently,
// exiting early once a cycle leaves the executing chain empty. Returns the
// total number of tasks run. Owner-goroutine only.
func (s *Scheduler) Execute() int {
	total := 0
	for i := 0; i < maxExecuteIterations; i++ {
		total += s.tasks.Execute(s.trapExecution)
		s.tasks.Cycle()
		if s.tasks.ExecutingEmpty() {
			break
		}
	}
	return total
}

// trapExecution implements trap_execution_error's routing to the
// exception-trap Link (§4.4, scenario 6): the failing task and its error are
// threaded through the trap Link's context, readable via Link.Context()
// inside the trap's own task callable.
func (s *Scheduler) trapExecution(task any, err error) {
	if s.exceptionTrap == nil {
		s.logger.Log(LogEntry{Level: LevelError, Category: "trap", Message: "unhandled task execution fault", Err: err})
		return
	}
	trap := s.exceptionTrap
	trap.context = &ExecutionFault{Task: task, Err: err}
	trap.Call()
}

// Wait blocks up to timeout for kernel events, per §4.5.2:
//   - if the kernel queue is closed, returns 0 without blocking;
//   - if the task queue has pending work, forces a zero-timeout poll;
//   - negative timeout: its magnitude, capped at one second, is used as a
//     short poll without marking the Scheduler blocked;
//   - positive timeout marks the Scheduler blocked and waits up to timeout.
//
// After the syscall returns, waiting is unconditionally reset to
// not-blocked, and KernelQueue.Transition enqueues any collected events.
// Owner-goroutine only.
func (s *Scheduler) Wait(timeout time.Duration) (int, error) {
	if s.kq.Closed() {
		return 0, nil
	}

	effective := timeout
	blocking := false
	switch {
	case s.tasks.Pending():
		effective = 0
	case timeout < 0:
		effective = -timeout
		if effective > time.Second {
			effective = time.Second
		}
	case timeout > 0:
		blocking = true
	}

	if blocking {
		s.waiting.store(stateBlocked)
	}

	hits, err := s.kq.Receive(effective)

	s.waiting.store(stateNotBlocked)

	if err != nil {
		return 0, err
	}

	s.kq.Transition(hits, s.tasks)

	collected := 0
	for _, h := range hits {
		if !h.isInterrupt {
			collected++
		}
	}
	return collected, nil
}

// Close enqueues a task invocation for every currently-scheduled
// meta_terminate Link, transferring them out of the reference map, then
// closes the kernel descriptors (§4.5.2). Idempotent: returns false if the
// Scheduler was already closed.
func (s *Scheduler) Close() bool {
	if s.waiting.load() == stateClosed {
		return false
	}
	for _, link := range s.kq.TakeTerminateLinks() {
		s.tasks.EnqueueLink(link)
		// The terminate task is about to run; its Event's owned handle is
		// not needed for that and would otherwise outlive the Scheduler.
		_ = link.event.Close()
	}
	s.waiting.store(stateClosed)
	s.kq.releaseReferences()
	_ = s.kq.Close()
	return true
}

// Void closes the Scheduler without invoking meta_terminate Links, dropping
// all references including the exception-trap slot (§4.5.2).
func (s *Scheduler) Void() {
	if s.waiting.load() == stateClosed {
		return
	}
	s.waiting.store(stateClosed)
	s.exceptionTrap = nil
	s.kq.releaseReferences()
	_ = s.kq.Close()
}

// Operations returns a snapshot of currently-scheduled Links.
func (s *Scheduler) Operations() []*Link {
	return s.kq.Operations()
}
