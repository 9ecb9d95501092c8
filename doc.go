// Package kevsched implements a single-threaded cooperative event scheduler
// that multiplexes kernel-reported events (process exits, POSIX signals,
// timers, filesystem deltas, readiness I/O), host-submitted callable tasks,
// and a small set of meta-events (actuation, termination, uncaught-exception
// trap) into a unified FIFO execution pipeline.
//
// # Architecture
//
// A [Scheduler] composes a [KernelQueue] (the epoll/kqueue abstraction) and a
// [TaskQueue] (the two-segment cross-thread task ingress). Host code
// registers interest with [Scheduler.Dispatch], passing a [Link] that joins
// an [Event] with a task. The owning goroutine drives the main loop:
//
//	for !sched.Closed() {
//	    sched.Wait(timeout)
//	    sched.Execute()
//	}
//
// [Scheduler.Wait] blocks in the kernel until an event arrives, a timeout
// fires, or [Scheduler.Interrupt] is called from another goroutine.
// [Scheduler.Execute] drains the task queue, invoking every pending task.
//
// # Platform support
//
// The kernel queue is backed by epoll on Linux and kqueue on Darwin/BSD,
// selected at compile time via build tags.
//
// # Thread safety
//
// [Scheduler.Enqueue] and [Scheduler.Interrupt] are safe to call from any
// goroutine. Every other Scheduler method must only be called from the
// owning goroutine; calling them elsewhere is undefined behavior.
package kevsched
