package kevsched

import (
	"errors"
	"fmt"
)

// Sentinel errors for the InvalidArgument and Internal categories of §7.
var (
	// ErrInvalidArgument is returned when an Event kind is unrecognized or a
	// cyclic override is requested for a kind that does not support it.
	ErrInvalidArgument = errors.New("kevsched: invalid argument")

	// ErrAlreadyActuated is returned by Dispatch when a meta_actuate Event is
	// dispatched on a Scheduler that has already left its initial state.
	ErrAlreadyActuated = errors.New("kevsched: scheduler already actuated")

	// ErrRegistrationConflict names the displaced-registration case; it is
	// never returned (the prior Link is displaced, not rejected), and no
	// log entry in this package carries it.
	ErrRegistrationConflict = errors.New("kevsched: registration conflict")

	// ErrResourceExhausted names the resource-exhaustion category. No
	// function in this package returns it: an exhausted kernel resource
	// (e.g. out of descriptors) surfaces as a *KernelError wrapping the errno.
	ErrResourceExhausted = errors.New("kevsched: resource exhausted")

	// ErrSchedulerClosed is returned by operations attempted after Close/Void.
	ErrSchedulerClosed = errors.New("kevsched: scheduler is closed")

	// ErrReentrantExecution is the panic value raised when a Link is invoked
	// while already executing (spec §8 property 8).
	ErrReentrantExecution = errors.New("kevsched: reentrant link execution")
)

// KernelError wraps an errno-bearing syscall failure (§7 KernelError).
type KernelError struct {
	Op  string
	Err error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kevsched: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying errno so callers can use errors.Is against
// e.g. unix.EBADF.
func (e *KernelError) Unwrap() error { return e.Err }

// NewKernelError wraps err (typically a unix.Errno) with the syscall name
// that produced it. Returns nil if err is nil.
func NewKernelError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &KernelError{Op: op, Err: err}
}

// ExecutionFault wraps a task panic trapped by trap_execution_error (§4.4,
// §7 ExecutionFault). Task is either a *Link (for event-driven dispatch) or
// the raw callable passed to Scheduler.Enqueue.
type ExecutionFault struct {
	Task any
	Err  error
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("kevsched: task execution fault: %v", e.Err)
}

func (e *ExecutionFault) Unwrap() error { return e.Err }

// WrapError wraps err with a contextual message, preserving it for
// errors.Is/errors.As through the cause chain. Mirrors the teacher's
// eventloop.WrapError helper.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// panicToError converts a recovered panic value into an error, matching the
// teacher's PanicError.Unwrap convention of passing through error values
// untouched and wrapping everything else.
func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("kevsched: panic: %v", r)
}
