package kevsched

import (
	"errors"
	"fmt"
	"time"
)

var errRetryBudgetExceeded = errors.New("kevsched: receive retry budget exceeded")

// osBackend is the platform-specific half of KernelQueue: the real
// epoll/kqueue descriptor, its identify/add/delete/wait/interrupt
// primitives. Implemented by kernelqueue_linux.go and
// kernelqueue_darwin.go.
type osBackend interface {
	open() error
	closeBackend() error
	identify(e *Event, cyclic bool) (registration, error)
	add(reg registration) error
	del(reg registration) error
	wait(timeout time.Duration, maxEvents int) ([]hit, error)
	interrupt() error
}

// registration is the platform-independent description of what to ask the
// kernel backend to watch, built by identify() from an Event+cyclic pair
// (§4.3.2).
type registration struct {
	link        *Link
	kind        EventKind
	fd          int  // registration target: owned/caller fd, or -1 if not fd-based
	ident       int  // kqueue ident (pid, signo, event id, or the watched fd); unused by epoll
	cyclic      bool // whether the Link re-arms after firing
	nanoseconds int64
}

// hit is one result of a backend wait() call: either the interrupt marker,
// or a fired registration correlated back to its Link via the udata/data
// tag stashed at add() time.
type hit struct {
	link        *Link
	isInterrupt bool
}

// defaultEINTRRetryLimit bounds the EINTR retry loop when no
// WithEINTRRetryLimit option is supplied.
const defaultEINTRRetryLimit = 16

// KernelQueue owns the kernel event descriptor, the Event→Link registration
// map, the cancellation bucket, and the fixed-capacity collected-event
// buffer (§3, §4.3). The platform-specific add/delete/wait/interrupt/
// identify primitives live in kernelqueue_linux.go and
// kernelqueue_darwin.go behind the unexported osBackend type.
type KernelQueue struct {
	backend osBackend

	// references holds exactly one Link per currently-scheduled Event: the
	// sole strong holder keeping a dispatched Link alive (§3 invariant 1).
	references map[eventKey]*Link

	// cancellations holds Links whose registrations have been retired but
	// whose kernel handle may still be producing events in-flight; released
	// only after the next Transition pass (§3 invariant 2).
	cancellations []*Link

	closed          bool
	eintrRetryLimit int
	collectCap      int
	logger          Logger
}

// NewKernelQueue constructs and opens a KernelQueue.
func NewKernelQueue(opts ...SchedulerOption) (*KernelQueue, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	kq := &KernelQueue{
		backend:         newOSBackend(),
		references:      make(map[eventKey]*Link),
		eintrRetryLimit: cfg.eintrRetryLimit,
		collectCap:      cfg.collectedEventCapacity,
		logger:          cfg.logger,
	}
	if err := kq.backend.open(); err != nil {
		return nil, err
	}
	return kq, nil
}

// Closed reports whether the kernel descriptor has been closed.
func (kq *KernelQueue) Closed() bool { return kq.closed }

// Close closes the kernel descriptor and the interrupt channel idempotently,
// transitioning to the closed terminal state (§4.3.1). Subsequent Receive
// calls return zero events without error.
func (kq *KernelQueue) Close() error {
	if kq.closed {
		return nil
	}
	kq.closed = true
	return kq.backend.closeBackend()
}

// Schedule registers link's Event with the kernel, per §4.3.3:
//  1. apply the cyclic override, rejecting it where unsupported
//  2. build the kernel record via identify (which needs the settled cyclic
//     flag, e.g. for the timerfd interval)
//  3. atomically replace any previous entry for link.Event in references,
//     moving the displaced Link to cancellations
//  4. issue the add-delta, reverting the map swap on failure
//  5. mark the Link dispatched
func (kq *KernelQueue) Schedule(link *Link, cyclic *bool) error {
	if kq.closed {
		return ErrSchedulerClosed
	}

	// Inherit the Link's current cyclic flag (clear on a fresh Link, so
	// one-shot by default) unless the caller overrides it. The kind's
	// cyclic-default governs the kernel-side registration mode instead —
	// see the backends' add().
	want := link.Cyclic()
	if cyclic != nil {
		if *cyclic && !link.event.kind.AllowsCyclicOverride() {
			return WrapError("Schedule", ErrInvalidArgument)
		}
		want = *cyclic
	}

	reg, err := kq.backend.identify(&link.event, want)
	if err != nil {
		return err
	}
	reg.link = link

	k := link.event.key()
	prior, hadPrior := kq.references[k]

	kq.references[k] = link
	if hadPrior {
		// Displaced registration: survives via the cancellation bucket in
		// case an event already buffered for it is still in flight.
		kq.cancellations = append(kq.cancellations, prior)
	}

	if err := kq.backend.add(reg); err != nil {
		// Revert the map swap before surfacing the error.
		if hadPrior {
			kq.references[k] = prior
			kq.cancellations = kq.cancellations[:len(kq.cancellations)-1]
		} else {
			delete(kq.references, k)
		}
		return err
	}

	if hadPrior {
		prior.setCancelled(true)
	}
	link.setDispatched(true)
	link.setCyclic(want)
	if kq.logger.IsEnabled(LevelDebug) {
		kq.logger.Log(LogEntry{Level: LevelDebug, Category: "schedule", Message: "scheduled " + link.event.kind.String()})
	}
	return nil
}

// Cancel retires the current registration for event, if any (§4.3.4). The
// cancellation-bucket insert happens strictly before the kernel delete-delta
// (see DESIGN.md's Open Question resolution #1), closing the race window
// present in the original source.
func (kq *KernelQueue) Cancel(event *Event) error {
	k := event.key()
	link, ok := kq.references[k]
	if !ok {
		return nil // no-op
	}

	kq.cancellations = append(kq.cancellations, link)
	delete(kq.references, k)

	// Use the registered Link's own Event (the one carrying the live kernel
	// handle), not the caller-supplied event value, which may be a distinct
	// copy that merely compares equal.
	reg, err := kq.backend.identify(&link.event, link.Cyclic())
	if err == nil {
		reg.link = link
		err = kq.backend.del(reg)
	}
	if err != nil {
		// Attempt to restore the reference, unless something else already
		// re-registered this key while we were failing to cancel it.
		if _, occupied := kq.references[k]; !occupied {
			kq.references[k] = link
			kq.cancellations = kq.cancellations[:len(kq.cancellations)-1]
			return err
		}
		// Another Schedule call raced in and replaced the entry: restoring
		// would clobber it. Prefer leak over use-after-free (§4.3.4).
		kq.logger.Log(LogEntry{
			Level:    LevelWarn,
			Category: "cancel",
			Message:  "kernel delete-delta failed after displacement; leaking Link rather than risking use-after-free",
			Err:      err,
		})
		return nil
	}

	link.setCancelled(true)
	// The registration is retired; the Event's owned handle goes with it
	// (§5: "Events own their own resource fds and close them on drop").
	// The Link itself stays in the cancellation bucket until the next
	// Transition pass — only the pointer matters there, not the fd.
	_ = link.event.Close()
	if kq.logger.IsEnabled(LevelDebug) {
		kq.logger.Log(LogEntry{Level: LevelDebug, Category: "cancel", Message: "cancelled " + link.event.kind.String()})
	}
	return nil
}

// Receive blocks up to timeout for kernel events (negative timeout blocks
// indefinitely), per §4.3.5. EINTR and transient ENOMEM are transparent
// retries up to eintrRetryLimit; EBADF marks the queue closed and returns
// zero events.
func (kq *KernelQueue) Receive(timeout time.Duration) ([]hit, error) {
	if kq.closed {
		return nil, nil
	}

	for attempt := 0; attempt <= kq.eintrRetryLimit; attempt++ {
		got, err := kq.backend.wait(timeout, kq.collectCap)
		if err == nil {
			return got, nil
		}
		if isEBADF(err) {
			kq.closed = true
			return nil, nil
		}
		if !isEINTR(err) && !isENOMEM(err) {
			return nil, NewKernelError("receive", err)
		}
		// EINTR and transient ENOMEM: transparent retry (§7). Backends
		// re-apply the same timeout/deadline semantics on each retried call.
	}
	return nil, NewKernelError("receive", errRetryBudgetExceeded)
}

// Transition walks the freshly collected hits and appends the corresponding
// Link to taskQueue for each non-interrupt hit, auto-unregistering
// non-cyclic Links (§4.3.6).
func (kq *KernelQueue) Transition(hits []hit, taskQueue *TaskQueue) {
	enqueued := 0
	for _, h := range hits {
		if h.isInterrupt {
			continue
		}
		link := h.link
		if link == nil {
			continue
		}

		taskQueue.EnqueueLink(link)
		enqueued++

		if !link.Cyclic() {
			k := link.event.key()
			if cur, ok := kq.references[k]; ok && cur == link {
				if reg, err := kq.backend.identify(&link.event, false); err == nil {
					reg.link = link
					_ = kq.backend.del(reg)
				}
				delete(kq.references, k)
				_ = link.event.Close()
			}
			link.setCancelled(true)
		}
	}

	// Everything held in cancellations solely to survive this window is now
	// safe to drop (§4.3.6), owned handles included. Closing a displaced
	// registration's fd here also retires any kernel-side registration still
	// keyed to it, so a stale udata pointer can never surface after the
	// bucket is emptied.
	for i, l := range kq.cancellations {
		_ = l.event.Close()
		kq.cancellations[i] = nil
	}
	kq.cancellations = kq.cancellations[:0]

	if enqueued > 0 && kq.logger.IsEnabled(LevelDebug) {
		kq.logger.Log(LogEntry{Level: LevelDebug, Category: "transition", Message: fmt.Sprintf("enqueued %d collected events", enqueued)})
	}
}

// Interrupt wakes a blocked Receive call from any goroutine (§4.3.7).
func (kq *KernelQueue) Interrupt() error {
	return kq.backend.interrupt()
}

// Operations returns a snapshot of currently-scheduled Links.
func (kq *KernelQueue) Operations() []*Link {
	out := make([]*Link, 0, len(kq.references))
	for _, l := range kq.references {
		out = append(out, l)
	}
	return out
}

// releaseReferences closes the owned handle of every registration and
// pending cancellation still held, then drops them all. No kernel
// delete-deltas are issued: the callers (Scheduler.Close/Void) are about to
// close the kernel descriptor wholesale, and closing an fd retires its
// registrations anyway.
func (kq *KernelQueue) releaseReferences() {
	for k, l := range kq.references {
		_ = l.event.Close()
		delete(kq.references, k)
	}
	for i, l := range kq.cancellations {
		_ = l.event.Close()
		kq.cancellations[i] = nil
	}
	kq.cancellations = kq.cancellations[:0]
}

// TakeTerminateLinks removes and returns every Link currently registered for
// a meta_terminate Event (used by Scheduler.Close, §4.5.2).
func (kq *KernelQueue) TakeTerminateLinks() []*Link {
	var out []*Link
	for k, l := range kq.references {
		if l.event.kind == KindMetaTerminate {
			out = append(out, l)
			delete(kq.references, k)
		}
	}
	return out
}
