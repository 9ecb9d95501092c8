package kevsched

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventKind tags the union of resources an Event can watch (§3).
type EventKind int

const (
	// KindNever is a disabled placeholder: no resource, never fires.
	KindNever EventKind = iota
	// KindMetaActuate is a one-shot user-trigger that fires once on dispatch.
	KindMetaActuate
	// KindMetaTerminate fires when the Scheduler closes.
	KindMetaTerminate
	// KindMetaException is the exception-trap slot; not kernel-scheduled.
	KindMetaException
	// KindProcessExit watches a target process id.
	KindProcessExit
	// KindProcessSignal watches a POSIX signal.
	KindProcessSignal
	// KindTime is a duration-based timer, in nanoseconds.
	KindTime
	// KindIOReceive watches a read-side fd for readability.
	KindIOReceive
	// KindIOTransmit watches a fd for writability.
	KindIOTransmit
	// KindIOStatus watches a fd for error/hangup status.
	KindIOStatus
	// KindFSStatus watches a filesystem path for the union of delta+void changes.
	KindFSStatus
	// KindFSDelta watches a filesystem path for content changes (write/extend).
	KindFSDelta
	// KindFSVoid watches a filesystem path for existence changes (rename/delete/revoke).
	KindFSVoid
)

// String returns the event kind's name, as used in Event.constructor dispatch.
func (k EventKind) String() string {
	switch k {
	case KindNever:
		return "never"
	case KindMetaActuate:
		return "meta_actuate"
	case KindMetaTerminate:
		return "meta_terminate"
	case KindMetaException:
		return "meta_exception"
	case KindProcessExit:
		return "process_exit"
	case KindProcessSignal:
		return "process_signal"
	case KindTime:
		return "time"
	case KindIOReceive:
		return "io_receive"
	case KindIOTransmit:
		return "io_transmit"
	case KindIOStatus:
		return "io_status"
	case KindFSStatus:
		return "fs_status"
	case KindFSDelta:
		return "fs_delta"
	case KindFSVoid:
		return "fs_void"
	default:
		return "unknown"
	}
}

// CyclicDefault reports whether the kernel registration for this kind is
// persistent by default, per the §3 table. It selects the registration mode
// in the backends' identify/add path; whether the Link itself re-arms is
// settled separately at dispatch time.
func (k EventKind) CyclicDefault() bool {
	switch k {
	case KindProcessSignal, KindTime, KindIOReceive, KindIOTransmit, KindIOStatus, KindFSStatus, KindFSDelta:
		return true
	default:
		return false
	}
}

// AllowsCyclicOverride reports whether Scheduler.Dispatch may request
// cyclic scheduling for this kind. process_exit, the meta-trigger kinds,
// and the disabled placeholder are inherently one-shot kernel semantics and
// reject a cyclic=true override with ErrInvalidArgument (§4.3.3 step 2,
// scenario 5).
func (k EventKind) AllowsCyclicOverride() bool {
	switch k {
	case KindNever, KindMetaActuate, KindMetaTerminate, KindProcessExit:
		return false
	default:
		return true
	}
}

// eventIDCounter assigns identity to Events whose kind compares by identity
// rather than by structural/kresource equality (§3: "Timers compare
// identity only"; the meta kinds and the disabled placeholder likewise have
// no natural structural key).
var eventIDCounter atomic.Uint64

// Event is an immutable value identifying what is being watched (§3). The
// zero value is not a valid Event; construct one with the per-kind
// constructors below.
type Event struct {
	kind      EventKind
	kresource int // owned system handle, or -1
	source    any // user-supplied reference, retained for introspection
	id        uint64

	// Kind-specific payload. Exactly the field(s) relevant to kind are set;
	// kept inline (not boxed) to avoid heap churn per spec §9.
	pid           int
	signo         int
	nanoseconds   int64
	fdRead        int
	fdCorrelation int
	path          string
}

func newEvent(kind EventKind, kresource int, source any) Event {
	return Event{
		kind:      kind,
		kresource: kresource,
		source:    source,
		id:        eventIDCounter.Add(1),
	}
}

// Kind returns the event's tag.
func (e *Event) Kind() EventKind { return e.kind }

// Source returns the user-supplied reference passed at construction.
func (e *Event) Source() any { return e.source }

// Resource returns the owned kernel handle, or -1 if the Event owns none.
func (e *Event) Resource() int { return e.kresource }

// eventKey is the comparable structural projection of Event used as the map
// key by KernelQueue.references. It deliberately excludes kresource: a
// kernel handle may be opened lazily at schedule time, and the host's own
// copy of the Event (taken before scheduling) must still locate the live
// registration when passed to Cancel.
type eventKey struct {
	kind EventKind
	data int64
	path string
	id   uint64
}

func (e *Event) key() eventKey {
	k := eventKey{kind: e.kind}
	switch e.kind {
	case KindProcessExit:
		k.data = int64(e.pid)
	case KindProcessSignal:
		k.data = int64(e.signo)
	case KindIOReceive, KindIOTransmit, KindIOStatus:
		k.data = int64(e.fdRead)<<32 | int64(uint32(e.fdCorrelation))
	case KindFSStatus, KindFSDelta, KindFSVoid:
		k.path = e.path
	default:
		// KindNever, KindMetaActuate, KindMetaTerminate, KindMetaException,
		// KindTime: identity-only equality.
		k.id = e.id
	}
	return k
}

// Equal reports whether e and o identify the same watched resource, per the
// equality rule in §3: same kind AND (same kresource if both carry one,
// else structural equality of the kind-specific fields; timers and the
// meta kinds compare by identity).
func (e *Event) Equal(o *Event) bool {
	if e.kind != o.kind {
		return false
	}
	if e.kresource >= 0 && o.kresource >= 0 {
		return e.kresource == o.kresource
	}
	return e.key() == o.key()
}

// Hash returns a hash consistent with Equal: Equal(e, o) implies
// Hash(e) == Hash(o). The hash intentionally ignores kresource — two
// Events equal by shared kresource are copies of one original and so share
// the same structural key as well.
func (e *Event) Hash() uint64 {
	k := e.key()
	h := fnvMix(fnvOffset, uint64(k.kind))
	if k.path != "" {
		for i := 0; i < len(k.path); i++ {
			h = fnvMix(h, uint64(k.path[i]))
		}
		return h
	}
	if k.data != 0 {
		return fnvMix(h, uint64(k.data))
	}
	return fnvMix(h, k.id)
}

const (
	fnvOffset = uint64(14695981039346656037)
	fnvPrime  = uint64(1099511628211)
)

func fnvMix(h, v uint64) uint64 {
	h ^= v
	h *= fnvPrime
	return h
}

// Dup returns a copy of e, duplicating any owned kernel handle with the
// system dup operation so the copy's lifecycle is independent of the
// original's.
func (e Event) Dup() (Event, error) {
	if e.kresource < 0 {
		return e, nil
	}
	nfd, err := unix.Dup(e.kresource)
	if err != nil {
		return Event{}, NewKernelError("dup", err)
	}
	e.kresource = nfd
	return e, nil
}

// Close releases the Event's owned kernel handle, if any.
func (e *Event) Close() error {
	if e.kresource < 0 {
		return nil
	}
	fd := e.kresource
	e.kresource = -1
	return unix.Close(fd)
}

// EventNever constructs a disabled placeholder Event.
func EventNever(source any) Event {
	return newEvent(KindNever, -1, source)
}

// EventMetaActuate constructs a one-shot user-trigger Event.
func EventMetaActuate(source any) Event {
	return newEvent(KindMetaActuate, -1, source)
}

// EventMetaTerminate constructs an Event that fires when the Scheduler closes.
func EventMetaTerminate(source any) Event {
	return newEvent(KindMetaTerminate, -1, source)
}

// EventMetaException constructs the exception-trap slot Event. It owns no
// kernel resource and is never scheduled with the kernel queue.
func EventMetaException(source any) Event {
	return newEvent(KindMetaException, -1, source)
}

// EventProcessExit constructs an Event watching pid's exit. If pidfd >= 0 it
// is treated as an already-open pidfd (Linux) owned by the Event; pass -1 to
// let KernelQueue.Schedule open one itself on platforms that support it, or
// to rely on the kqueue PROC/PROCDESC filter on BSD/Darwin.
func EventProcessExit(pid int, pidfd int, source any) Event {
	e := newEvent(KindProcessExit, pidfd, source)
	e.pid = pid
	return e
}

// EventProcessSignal constructs an Event watching POSIX signal signo. If
// signalfd >= 0 it is treated as an already-open, already-blocked signalfd
// owned by the Event.
func EventProcessSignal(signo int, signalfd int, source any) Event {
	e := newEvent(KindProcessSignal, signalfd, source)
	e.signo = signo
	return e
}

// EventTime constructs a periodic-or-one-shot timer Event for the given
// duration in nanoseconds. nanoseconds must be positive.
func EventTime(nanoseconds int64, source any) Event {
	e := newEvent(KindTime, -1, source)
	e.nanoseconds = nanoseconds
	return e
}

// EventIOReceive constructs an Event watching fd for readability. fd is
// caller-supplied and not owned by the Event (§4.1: "no resource allocation;
// the pair of fds is supplied by the caller"). correlation is an optional
// second fd used to disambiguate otherwise-identical registrations (e.g. a
// duplexed connection); pass -1 if unused.
func EventIOReceive(fd int, correlation int, source any) Event {
	e := newEvent(KindIOReceive, -1, source)
	e.fdRead = fd
	e.fdCorrelation = correlation
	return e
}

// EventIOTransmit constructs an Event watching fd for writability.
func EventIOTransmit(fd int, correlation int, source any) Event {
	e := newEvent(KindIOTransmit, -1, source)
	e.fdRead = fd
	e.fdCorrelation = correlation
	return e
}

// EventIOStatus constructs an Event watching fd for error/hangup status.
func EventIOStatus(fd int, correlation int, source any) Event {
	e := newEvent(KindIOStatus, -1, source)
	e.fdRead = fd
	e.fdCorrelation = correlation
	return e
}

// EventFSStatus constructs an Event watching path for the union of content
// and existence changes. watchfd, if >= 0, is an already-open watch
// descriptor (inotify fd on Linux) owned by the Event.
func EventFSStatus(path string, watchfd int, source any) Event {
	e := newEvent(KindFSStatus, watchfd, source)
	e.path = path
	return e
}

// EventFSDelta constructs an Event watching path for content changes
// (write/extend).
func EventFSDelta(path string, watchfd int, source any) Event {
	e := newEvent(KindFSDelta, watchfd, source)
	e.path = path
	return e
}

// EventFSVoid constructs an Event watching path for existence changes
// (rename/delete/revoke).
func EventFSVoid(path string, watchfd int, source any) Event {
	e := newEvent(KindFSVoid, watchfd, source)
	e.path = path
	return e
}

// NewEventByName is the string-dispatched Event.constructor(name) surface
// from §6, for hosts that select the kind dynamically (e.g. from config or
// a language binding). Kinds requiring additional arguments beyond source
// must be constructed with their dedicated function instead; NewEventByName
// only covers the kinds fully determined by name alone.
func NewEventByName(name string, source any) (Event, error) {
	switch name {
	case "never":
		return EventNever(source), nil
	case "meta_actuate":
		return EventMetaActuate(source), nil
	case "meta_terminate":
		return EventMetaTerminate(source), nil
	case "meta_exception":
		return EventMetaException(source), nil
	default:
		return Event{}, WrapError("NewEventByName", ErrInvalidArgument)
	}
}
