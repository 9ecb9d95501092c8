package kevsched

import "sync/atomic"

// Scheduler waiting-state values, per §4.5.1. Kept as the spec's literal
// integers (rather than a 0-based enum) since spec.md's state table is the
// authoritative prior art for this exact value set.
const (
	// stateInitial is the Scheduler's starting state: never actuated.
	stateInitial int32 = 2
	// stateNotBlocked means the owner thread is not currently inside Wait.
	stateNotBlocked int32 = 0
	// stateBlocked means the owner thread is blocked inside Wait.
	stateBlocked int32 = 1
	// stateInterruptPending means Interrupt() was issued while blocked and
	// the kernel-side wake is in flight.
	stateInterruptPending int32 = -1
	// stateClosed is the terminal state after Close/Void.
	stateClosed int32 = -3
)

// waitingState is a small atomic CAS-driven state machine, grounded on the
// teacher's FastState (eventloop/state.go), narrowed to the spec's 5-value
// "waiting" field instead of the teacher's 5-state LoopState enum.
type waitingState struct {
	v atomic.Int32
}

func newWaitingState() *waitingState {
	s := &waitingState{}
	s.v.Store(stateInitial)
	return s
}

func (s *waitingState) load() int32 { return s.v.Load() }

func (s *waitingState) store(v int32) { s.v.Store(v) }

func (s *waitingState) compareAndSwap(from, to int32) bool {
	return s.v.CompareAndSwap(from, to)
}
