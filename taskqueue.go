package kevsched

import "sync"

// initialSegmentCap is the starting capacity of a TaskQueue segment; it
// grows geometrically (doubling) up to maxTasksPerSegment (§3).
const initialSegmentCap = 4

// queuedTask is one slot in a TaskQueue segment: either a Link (fired by a
// kernel event, invoked with itself as argument) or a bare callable (from
// Scheduler.Enqueue, invoked with no arguments). Exactly one of the two is
// set.
type queuedTask struct {
	link *Link
	fn   func()
}

// run invokes the task. Panics (including ErrReentrantExecution from a
// reentrant Link.Call) propagate to the caller, which is expected to recover
// them via runSafely.
func (t queuedTask) run() {
	if t.link != nil {
		t.link.Call()
		return
	}
	t.fn()
}

// label identifies the task for trap_execution_error's (task, exception)
// signature: the Link if this slot wraps one, else the bare callable.
func (t queuedTask) label() any {
	if t.link != nil {
		return t.link
	}
	return t.fn
}

// segment is a fixed-capacity node in a TaskQueue's segment chain.
type segment struct {
	tasks     []queuedTask
	allocated int // exact written count once this segment is retired from loading
	next      *segment
}

// newSegment allocates a segment with capacity slots. allocated starts at
// the full capacity: every segment except the current loading tail is
// always completely written by the time it is retired (extend() is only
// triggered once the prior tail is full), and Cycle() overwrites the tail's
// allocated with the exact tailCursor count (§3).
func newSegment(capacity int) *segment {
	return &segment{tasks: make([]queuedTask, capacity), allocated: capacity}
}

// TaskQueue is the two-segment-chain FIFO described in §3/§4.4: a "loading"
// chain safely appended to from any goroutine, and an "executing" chain
// drained only by the owner goroutine. Cycle() rotates loading into
// executing under the same critical section that guards Enqueue, so the two
// chains never alias.
type TaskQueue struct {
	mu                 sync.Mutex // guards the loading chain (cross-thread Enqueue, §4.5.3)
	loadHead           *segment
	loadTail           *segment
	tailCursor         int
	maxTasksPerSegment int

	// Owned exclusively by the owner goroutine; no lock needed.
	execHead   *segment
	execCursor int
}

// NewTaskQueue constructs an empty TaskQueue. maxTasksPerSegment must be >=
// initialSegmentCap; pass 0 to use the spec default of 128.
func NewTaskQueue(maxTasksPerSegment int) *TaskQueue {
	if maxTasksPerSegment <= 0 {
		maxTasksPerSegment = defaultMaxTasksPerSegment
	}
	return &TaskQueue{maxTasksPerSegment: maxTasksPerSegment}
}

// enqueue appends item to the tail of the loading chain, extending it with a
// geometrically-larger segment if the current tail is full. Safe to call
// from any goroutine (§4.4 enqueue, §4.5.3 critical section).
func (q *TaskQueue) enqueue(item queuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(item)
}

func (q *TaskQueue) enqueueLocked(item queuedTask) {
	if q.loadTail == nil {
		seg := newSegment(initialSegmentCap)
		q.loadHead = seg
		q.loadTail = seg
		q.tailCursor = 0
	}
	if q.tailCursor == len(q.loadTail.tasks) {
		q.extendLocked()
	}
	q.loadTail.tasks[q.tailCursor] = item
	q.tailCursor++
}

// extendLocked allocates a new segment of min(tail.allocated*2,
// MAX_TASKS_PER_SEGMENT) slots, links it after the current tail, and
// advances tail/tailCursor (§3, §4.4 extend).
func (q *TaskQueue) extendLocked() {
	newCap := len(q.loadTail.tasks) * 2
	if newCap > q.maxTasksPerSegment {
		newCap = q.maxTasksPerSegment
	}
	if newCap < 1 {
		newCap = 1
	}
	ns := newSegment(newCap)
	q.loadTail.next = ns
	q.loadTail = ns
	q.tailCursor = 0
}

// EnqueueCallable appends a bare callable to the task queue. Safe to call
// from any goroutine.
func (q *TaskQueue) EnqueueCallable(fn func()) {
	q.enqueue(queuedTask{fn: fn})
}

// EnqueueLink appends a Link to the task queue, to be invoked with itself as
// argument. Safe to call from any goroutine.
func (q *TaskQueue) EnqueueLink(l *Link) {
	q.enqueue(queuedTask{link: l})
}

// Cycle rotates the loading chain into the executing chain and leaves the
// loading chain empty; the next enqueue allocates a fresh loading head (§3,
// §4.4 cycle). Must be called under the same
// critical section as Enqueue (i.e. via the Scheduler, not directly from
// multiple goroutines without synchronization).
func (q *TaskQueue) Cycle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cycleLocked()
}

func (q *TaskQueue) cycleLocked() {
	if q.loadTail != nil {
		// Overwrite the former tail's recorded allocated-size with
		// tailCursor, the exact written count, so Execute knows not to run
		// zeroed trailing slots (§3).
		q.loadTail.allocated = q.tailCursor
	}
	q.execHead = q.loadHead
	q.execCursor = 0

	q.loadHead = nil
	q.loadTail = nil
	q.tailCursor = 0
}

// Pending reports whether the loading chain has any queued work. Safe to
// call from any goroutine. loadHead is only ever non-nil between an Enqueue
// call and the next Cycle, so its presence alone indicates pending work.
func (q *TaskQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadHead != nil
}

// ExecTrap is invoked for every task whose execution panics. trap(task, err)
// receives the task's label (a *Link or the bare callable) and the
// recovered error.
type ExecTrap func(task any, err error)

// Execute drains every slot of the executing chain, invoking each task with
// zero arguments (the Link case supplies itself via Link.Call). Per-task
// panics are recovered and diverted to trap_execution_error. Returns the
// number of tasks run. Owner-goroutine only.
func (q *TaskQueue) Execute(trap ExecTrap) int {
	ran := 0
	for q.execHead != nil {
		seg := q.execHead
		limit := seg.allocated
		for q.execCursor < limit {
			item := seg.tasks[q.execCursor]
			seg.tasks[q.execCursor] = queuedTask{} // release references promptly
			q.execCursor++
			ran++
			if err := runSafely(item); err != nil {
				trapExecutionError(trap, item.label(), err)
			}
		}
		q.execHead = seg.next
		q.execCursor = 0
	}
	return ran
}

// ExecutingEmpty reports whether the executing chain has been fully
// drained. Owner-goroutine only.
func (q *TaskQueue) ExecutingEmpty() bool {
	return q.execHead == nil
}

func runSafely(item queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	item.run()
	return nil
}

// trapExecutionError implements §4.4 trap_execution_error: if a trap is
// configured, invoke it; if the trap itself panics, fall back to a warning
// via the package logger and continue. If no trap is configured, log the
// exception and continue.
func trapExecutionError(trap ExecTrap, task any, err error) {
	if trap == nil {
		getGlobalLogger().Log(LogEntry{Level: LevelError, Category: "trap", Message: "unhandled task execution fault", Err: err})
		return
	}
	defer func() {
		if r := recover(); r != nil {
			getGlobalLogger().Log(LogEntry{
				Level:    LevelError,
				Category: "trap",
				Message:  "exception trap itself raised; task continues unraisable",
				Err:      panicToError(r),
			})
		}
	}()
	trap(task, err)
}
