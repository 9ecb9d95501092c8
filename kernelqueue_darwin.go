//go:build darwin

package kevsched

import (
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// darwinBackend is the kqueue-based osBackend (§4.3, §6 kqueue backend).
type darwinBackend struct {
	kq  int
	buf []unix.Kevent_t
}

// wakeIdent is the EVFILT_USER identifier reserved for the interrupt
// channel. Event ids handed out by newEvent start at 1, so 0 never
// collides with a real registration's ident (§4.3.1: "a self-triggered
// EVFILT_USER event registered on the kqueue's own identity", a deliberate
// deviation from the teacher's self-pipe wakeup — see DESIGN.md).
const wakeIdent = 0

func newOSBackend() osBackend { return &darwinBackend{kq: -1} }

func (b *darwinBackend) open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return NewKernelError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	reg := []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}
	if _, err := unix.Kevent(kq, reg, nil, nil); err != nil {
		unix.Close(kq)
		return NewKernelError("kevent(wake add)", err)
	}
	b.kq = kq
	return nil
}

func (b *darwinBackend) closeBackend() error {
	if b.kq < 0 {
		return nil
	}
	err := unix.Close(b.kq)
	b.kq = -1
	if err != nil {
		return NewKernelError("close(kq)", err)
	}
	return nil
}

// identify translates an Event into a kqueue registration (§4.3.2). As on
// Linux, e.kresource doubles as the idempotency marker for any lazily
// opened handle (vnode watch fd); process_exit and process_signal need no
// owned fd on kqueue, since EVFILT_PROC/EVFILT_SIGNAL address the kernel
// object directly by pid/signo.
func (b *darwinBackend) identify(e *Event, cyclic bool) (registration, error) {
	reg := registration{kind: e.kind, cyclic: cyclic, nanoseconds: e.nanoseconds, fd: -1}

	switch e.kind {
	case KindNever, KindMetaActuate, KindMetaTerminate:
		reg.ident = int(e.id)

	case KindProcessExit:
		reg.ident = e.pid

	case KindProcessSignal:
		// EVFILT_SIGNAL has lower precedence than signal dispositions and
		// coexists with them; ignoring the signal keeps the runtime's
		// default handling from also firing. Idempotent, so no marker is
		// kept on the Event.
		signal.Ignore(syscall.Signal(e.signo))
		reg.ident = e.signo

	case KindTime:
		reg.ident = int(e.id)

	case KindIOReceive, KindIOTransmit, KindIOStatus:
		reg.fd = e.fdRead
		reg.ident = e.fdRead

	case KindFSStatus, KindFSDelta, KindFSVoid:
		if e.kresource < 0 {
			fd, err := unix.Open(e.path, unix.O_EVTONLY|unix.O_CLOEXEC, 0)
			if err != nil {
				return reg, NewKernelError("open(O_EVTONLY)", err)
			}
			e.kresource = fd
		}
		reg.fd = e.kresource
		reg.ident = e.kresource

	default:
		return reg, WrapError("identify", ErrInvalidArgument)
	}

	return reg, nil
}

func vnodeFflags(kind EventKind) uint32 {
	switch kind {
	case KindFSVoid:
		return unix.NOTE_DELETE | unix.NOTE_RENAME | unix.NOTE_REVOKE
	case KindFSDelta:
		return unix.NOTE_WRITE | unix.NOTE_EXTEND
	default: // KindFSStatus
		return unix.NOTE_DELETE | unix.NOTE_RENAME | unix.NOTE_REVOKE | unix.NOTE_WRITE | unix.NOTE_EXTEND | unix.NOTE_ATTRIB
	}
}

// timerFflagsAndValue picks the finest time unit kqueue supports that still
// fits nanoseconds in a signed 32-bit data field, stepping down
// ns -> us -> ms -> s whenever the candidate value would overflow (§4.3.2
// timer conversion, Open Question resolution #3). Milliseconds are kqueue's
// default unit and carry no NOTE_ flag.
func timerFflagsAndValue(nanoseconds int64) (uint32, int64) {
	const int32Max = int64(1)<<31 - 1
	if nanoseconds <= int32Max {
		return unix.NOTE_NSECONDS, nanoseconds
	}
	if us := nanoseconds / int64(time.Microsecond); us <= int32Max {
		return unix.NOTE_USECONDS, us
	}
	if ms := nanoseconds / int64(time.Millisecond); ms <= int32Max {
		return 0, ms
	}
	return unix.NOTE_SECONDS, nanoseconds / int64(time.Second)
}

func setUdata(ev *unix.Kevent_t, link *Link) {
	ev.Udata = (*byte)(unsafe.Pointer(link))
}

func linkFromUdata(ev *unix.Kevent_t) *Link {
	if ev.Udata == nil {
		return nil
	}
	return (*Link)(unsafe.Pointer(ev.Udata))
}

func (b *darwinBackend) add(reg registration) error {
	flags := uint16(unix.EV_ADD)
	// The kind's cyclic-default selects the kernel registration mode
	// (§4.3.2); a cyclic Link keeps it persistent regardless. Timers are
	// the exception: a one-shot Link must one-shot the kqueue timer itself
	// or it keeps firing at its interval. Transition issues the
	// delete-delta for the persistent-but-one-shot cases.
	if !reg.cyclic && (!reg.kind.CyclicDefault() || reg.kind == KindTime) {
		flags |= unix.EV_ONESHOT
	}

	kev := unix.Kevent_t{Ident: uint64(reg.ident), Flags: flags}
	setUdata(&kev, reg.link)

	switch reg.kind {
	case KindNever:
		kev.Filter = unix.EVFILT_USER
	case KindMetaActuate:
		kev.Filter = unix.EVFILT_USER
		kev.Fflags = unix.NOTE_FFCOPY | unix.NOTE_TRIGGER
	case KindMetaTerminate:
		kev.Filter = unix.EVFILT_USER
	case KindProcessExit:
		kev.Filter = unix.EVFILT_PROC
		kev.Fflags = unix.NOTE_EXIT
	case KindProcessSignal:
		kev.Filter = unix.EVFILT_SIGNAL
	case KindTime:
		kev.Filter = unix.EVFILT_TIMER
		fflags, value := timerFflagsAndValue(reg.nanoseconds)
		kev.Fflags = fflags
		kev.Data = value
	case KindIOReceive:
		kev.Filter = unix.EVFILT_READ
	case KindIOTransmit:
		kev.Filter = unix.EVFILT_WRITE
		kev.Flags |= unix.EV_CLEAR
	case KindIOStatus:
		kev.Filter = unix.EVFILT_READ
		kev.Flags |= unix.EV_CLEAR
	case KindFSStatus, KindFSDelta, KindFSVoid:
		kev.Filter = unix.EVFILT_VNODE
		kev.Fflags = vnodeFflags(reg.kind)
		kev.Flags |= unix.EV_CLEAR
	default:
		return WrapError("add", ErrInvalidArgument)
	}

	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return NewKernelError("kevent(add)", err)
	}
	return nil
}

func (b *darwinBackend) del(reg registration) error {
	var filter int16
	switch reg.kind {
	case KindNever, KindMetaActuate, KindMetaTerminate:
		filter = unix.EVFILT_USER
	case KindProcessExit:
		filter = unix.EVFILT_PROC
	case KindProcessSignal:
		filter = unix.EVFILT_SIGNAL
	case KindTime:
		filter = unix.EVFILT_TIMER
	case KindIOReceive, KindIOStatus:
		filter = unix.EVFILT_READ
	case KindIOTransmit:
		filter = unix.EVFILT_WRITE
	case KindFSStatus, KindFSDelta, KindFSVoid:
		filter = unix.EVFILT_VNODE
	default:
		return WrapError("del", ErrInvalidArgument)
	}

	kev := unix.Kevent_t{Ident: uint64(reg.ident), Filter: filter, Flags: unix.EV_DELETE}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil && err != unix.ENOENT {
		// EV_ONESHOT registrations are auto-deleted by the kernel once they
		// fire; deleting them again is expected, not an error (§4.3.4).
		return NewKernelError("kevent(del)", err)
	}
	return nil
}

func (b *darwinBackend) wait(timeout time.Duration, maxEvents int) ([]hit, error) {
	if len(b.buf) != maxEvents {
		b.buf = make([]unix.Kevent_t, maxEvents)
	}
	buf := b.buf
	var ts *unix.Timespec
	if timeout >= 0 {
		spec := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &spec
	}
	n, err := unix.Kevent(b.kq, nil, buf, ts)
	if err != nil {
		return nil, err
	}
	out := make([]hit, 0, n)
	for i := 0; i < n; i++ {
		if buf[i].Filter == unix.EVFILT_USER && buf[i].Ident == wakeIdent {
			out = append(out, hit{isInterrupt: true})
			continue
		}
		out = append(out, hit{link: linkFromUdata(&buf[i])})
	}
	return out, nil
}

func (b *darwinBackend) interrupt() error {
	kev := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return NewKernelError("kevent(trigger)", err)
	}
	return nil
}
