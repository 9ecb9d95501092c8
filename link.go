package kevsched

import "sync"

// Task is the callable invoked when a Link's Event fires. It receives the
// Link itself as its argument, per §3: "Calling a Link invokes its task with
// the Link as argument".
type Task func(l *Link)

// Link is the mutable join of an Event with a user task and optional
// context: the unit of scheduling (§3). Construct with NewLink.
type Link struct {
	event   Event
	task    Task
	context any

	mu         sync.Mutex
	cancelled  bool
	dispatched bool
	executing  bool
	cyclic     bool
}

// NewLink constructs a Link joining event with task. context is stored
// verbatim and may be nil. All flag bits start clear; the cyclic flag is
// settled at dispatch time (Scheduler.Dispatch's cyclic override, or
// one-shot when none is given).
func NewLink(event Event, task Task, context any) *Link {
	return &Link{
		event:   event,
		task:    task,
		context: context,
	}
}

// Event returns the Link's Event.
func (l *Link) Event() *Event { return &l.event }

// Task returns the Link's callable.
func (l *Link) Task() Task { return l.task }

// Context returns the Link's optional context value.
func (l *Link) Context() any { return l.context }

// Cancelled reports whether the Link has been cancelled.
func (l *Link) Cancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// Dispatched reports whether the Link has been dispatched at least once:
// registered with a KernelQueue, or installed as the exception trap.
func (l *Link) Dispatched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispatched
}

// Executing reports whether the Link's task is currently running.
func (l *Link) Executing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executing
}

// Cyclic reports whether the Link re-arms automatically after firing.
func (l *Link) Cyclic() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cyclic
}

func (l *Link) setCancelled(v bool) {
	l.mu.Lock()
	l.cancelled = v
	l.mu.Unlock()
}

func (l *Link) setDispatched(v bool) {
	l.mu.Lock()
	l.dispatched = v
	l.mu.Unlock()
}

func (l *Link) setCyclic(v bool) {
	l.mu.Lock()
	l.cyclic = v
	l.mu.Unlock()
}

// Call invokes the Link's task with the Link as argument. It panics with
// ErrReentrantExecution if the Link is already executing (§3, §8 property
// 8): the caller (TaskQueue.Execute's recover wrapper) is expected to catch
// this and route it to the configured exception trap like any other task
// panic.
func (l *Link) Call() {
	l.mu.Lock()
	if l.executing {
		l.mu.Unlock()
		panic(ErrReentrantExecution)
	}
	l.executing = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.executing = false
		l.mu.Unlock()
	}()

	l.task(l)
}
