//go:build linux

package kevsched

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxBackend is the epoll-based osBackend (§4.3, §6 epoll backend).
type linuxBackend struct {
	epfd   int
	wakeFd int // dedicated eventfd used to interrupt a blocked EpollWait
	buf    []unix.EpollEvent
}

func newOSBackend() osBackend { return &linuxBackend{epfd: -1, wakeFd: -1} }

func (b *linuxBackend) open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return NewKernelError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return NewKernelError("eventfd", err)
	}
	// Zero-value Data (Fd/Pad both 0) doubles as the interrupt marker: no
	// real registration's udata pointer is ever nil (§4.3.1).
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return NewKernelError("epoll_ctl(wake)", err)
	}
	b.epfd = epfd
	b.wakeFd = wakeFd
	return nil
}

func (b *linuxBackend) closeBackend() error {
	var first error
	if b.epfd >= 0 {
		if err := unix.Close(b.epfd); err != nil {
			first = NewKernelError("close(epfd)", err)
		}
		b.epfd = -1
	}
	if b.wakeFd >= 0 {
		if err := unix.Close(b.wakeFd); err != nil && first == nil {
			first = NewKernelError("close(wakefd)", err)
		}
		b.wakeFd = -1
	}
	return first
}

// identify translates an Event into an epoll registration (§4.3.2),
// opening the backing fd (timerfd/pidfd/signalfd/inotify/eventfd) the
// first time it is called for a given Event — e.kresource acts as the
// idempotency marker, so a later identify() call (from Cancel or
// Transition) reuses the same fd rather than opening a duplicate.
func (b *linuxBackend) identify(e *Event, cyclic bool) (registration, error) {
	reg := registration{kind: e.kind, cyclic: cyclic, nanoseconds: e.nanoseconds}

	switch e.kind {
	case KindNever, KindMetaActuate, KindMetaTerminate:
		if e.kresource < 0 {
			var initial uint
			if e.kind == KindMetaActuate {
				initial = 1
			}
			fd, err := unix.Eventfd(initial, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
			if err != nil {
				return reg, NewKernelError("eventfd", err)
			}
			e.kresource = fd
		}
		reg.fd = e.kresource

	case KindProcessExit:
		if e.kresource < 0 {
			fd, err := unix.PidfdOpen(e.pid, 0)
			if err != nil {
				return reg, NewKernelError("pidfd_open", err)
			}
			e.kresource = fd
		}
		reg.fd = e.kresource

	case KindProcessSignal:
		if e.kresource < 0 {
			var set unix.Sigset_t
			sigaddset(&set, e.signo)
			// Linux signal masks are per-thread; PthreadSigmask blocks the
			// signal on the calling OS thread so signalfd can read it
			// instead of the default disposition running.
			if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
				return reg, NewKernelError("pthread_sigmask", err)
			}
			fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
			if err != nil {
				return reg, NewKernelError("signalfd", err)
			}
			e.kresource = fd
		}
		reg.fd = e.kresource

	case KindTime:
		if e.kresource < 0 {
			fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
			if err != nil {
				return reg, NewKernelError("timerfd_create", err)
			}
			interval := e.nanoseconds
			if !cyclic {
				interval = 0
			}
			spec := unix.ItimerSpec{
				Interval: unix.NsecToTimespec(interval),
				Value:    unix.NsecToTimespec(e.nanoseconds),
			}
			if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
				unix.Close(fd)
				return reg, NewKernelError("timerfd_settime", err)
			}
			e.kresource = fd
		}
		reg.fd = e.kresource

	case KindIOReceive, KindIOTransmit, KindIOStatus:
		reg.fd = e.fdRead

	case KindFSStatus, KindFSDelta, KindFSVoid:
		if e.kresource < 0 {
			ifd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
			if err != nil {
				return reg, NewKernelError("inotify_init1", err)
			}
			mask := inotifyMask(e.kind)
			if _, err := unix.InotifyAddWatch(ifd, e.path, mask); err != nil {
				unix.Close(ifd)
				return reg, NewKernelError("inotify_add_watch", err)
			}
			e.kresource = ifd
		}
		reg.fd = e.kresource

	default:
		return reg, WrapError("identify", ErrInvalidArgument)
	}

	return reg, nil
}

func inotifyMask(kind EventKind) uint32 {
	switch kind {
	case KindFSVoid:
		return unix.IN_MOVE_SELF | unix.IN_DELETE_SELF
	case KindFSDelta:
		return unix.IN_MODIFY | unix.IN_CLOSE_WRITE
	default: // KindFSStatus
		return unix.IN_MOVE_SELF | unix.IN_DELETE_SELF | unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_ATTRIB
	}
}

func (b *linuxBackend) epollEvents(reg registration) uint32 {
	var ev uint32
	switch reg.kind {
	case KindIOTransmit:
		ev = unix.EPOLLOUT | unix.EPOLLET
	default:
		ev = unix.EPOLLIN | unix.EPOLLRDHUP
	}
	// The kind's cyclic-default selects the kernel registration mode
	// (§4.3.2); a cyclic Link keeps it persistent regardless. Transition
	// issues the delete-delta for the persistent-but-one-shot case.
	if !reg.cyclic && !reg.kind.CyclicDefault() {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

// setEpollUdata stashes reg.link's address across EpollEvent's Fd/Pad pair,
// which together form the 8-byte epoll_event.data union on 64-bit Linux.
// Grounded on the udata-pointer-tag idiom used for kqueue correlation
// (other_examples' poller_kqueue.go), carried over to epoll's analogous
// opaque data word.
func setEpollUdata(ev *unix.EpollEvent, link *Link) {
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = uint64(uintptr(unsafe.Pointer(link)))
}

func linkFromEpollUdata(ev *unix.EpollEvent) *Link {
	word := *(*uint64)(unsafe.Pointer(&ev.Fd))
	if word == 0 {
		return nil
	}
	return (*Link)(unsafe.Pointer(uintptr(word)))
}

func (b *linuxBackend) add(reg registration) error {
	ev := &unix.EpollEvent{Events: b.epollEvents(reg)}
	setEpollUdata(ev, reg.link)
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, reg.fd, ev)
	if err == unix.EEXIST {
		// Replace-dispatch over the same fd: epoll, unlike kqueue's EV_ADD,
		// rejects a second ADD, so fall through to MOD to retag the
		// registration with the displacing Link.
		err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, reg.fd, ev)
	}
	if err != nil {
		return NewKernelError("epoll_ctl(add)", err)
	}
	return nil
}

func (b *linuxBackend) del(reg registration) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil && err != unix.ENOENT {
		return NewKernelError("epoll_ctl(del)", err)
	}
	return nil
}

func (b *linuxBackend) wait(timeout time.Duration, maxEvents int) ([]hit, error) {
	if len(b.buf) != maxEvents {
		b.buf = make([]unix.EpollEvent, maxEvents)
	}
	buf := b.buf
	ms := epollTimeoutMS(timeout)
	n, err := unix.EpollWait(b.epfd, buf, ms)
	if err != nil {
		return nil, err
	}
	out := make([]hit, 0, n)
	for i := 0; i < n; i++ {
		link := linkFromEpollUdata(&buf[i])
		if link == nil {
			var drain [8]byte
			for {
				if _, rerr := unix.Read(b.wakeFd, drain[:]); rerr != nil {
					break
				}
			}
			out = append(out, hit{isInterrupt: true})
			continue
		}
		out = append(out, hit{link: link})
		drainOwnedFd(&link.event)
	}
	return out, nil
}

// drainOwnedFd consumes the readiness payload of an Event-owned descriptor.
// timerfd/signalfd/inotify/eventfd are all level-triggered and owned by the
// Event, so nothing else ever reads them; without this a cyclic timer or
// signal registration would report ready on every subsequent EpollWait. All
// owned fds are opened O_NONBLOCK, so the reads cannot block.
func drainOwnedFd(e *Event) {
	if e.kresource < 0 {
		return
	}
	switch e.kind {
	case KindTime, KindMetaActuate, KindMetaTerminate, KindNever:
		var buf [8]byte
		_, _ = unix.Read(e.kresource, buf[:])
	case KindProcessSignal:
		// One signalfd_siginfo per pending signal.
		var buf [128]byte
		for {
			if _, err := unix.Read(e.kresource, buf[:]); err != nil {
				break
			}
		}
	case KindFSStatus, KindFSDelta, KindFSVoid:
		var buf [4096]byte
		for {
			if n, err := unix.Read(e.kresource, buf[:]); err != nil || n < len(buf) {
				break
			}
		}
	}
}

func (b *linuxBackend) interrupt() error {
	var val [8]byte
	val[0] = 1
	_, err := unix.Write(b.wakeFd, val[:])
	if err != nil && err != unix.EAGAIN {
		return NewKernelError("write(wakefd)", err)
	}
	return nil
}

func epollTimeoutMS(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}

func sigaddset(set *unix.Sigset_t, signo int) {
	// unix.Sigset_t is a bitmask of uint64 words; signo is 1-based.
	bit := uint(signo - 1)
	word := bit / 64
	if int(word) < len(set.Val) {
		set.Val[word] |= 1 << (bit % 64)
	}
}
