package kevsched

import "golang.org/x/sys/unix"

// PortTransfers is a vector of file descriptors owned for the duration of a
// handshake with an external collaborator (subprocess spawn, fd-passing) —
// out of core scope per §1, but specified at its boundary here because
// Event owns handles with the same lifecycle discipline. Grounded on the
// teacher's createWakeFd/closeWakeFd scoped-close-on-error pattern
// (wakeup_darwin.go), generalized from a fixed pair to an arbitrary-length
// slice.
type PortTransfers struct {
	fds      []int
	released bool
}

// NewPortTransfers constructs a PortTransfers owning fds.
func NewPortTransfers(fds ...int) *PortTransfers {
	owned := make([]int, len(fds))
	copy(owned, fds)
	return &PortTransfers{fds: owned}
}

// Add records an additional owned fd.
func (p *PortTransfers) Add(fd int) {
	p.fds = append(p.fds, fd)
}

// Len returns the number of currently-owned fds.
func (p *PortTransfers) Len() int { return len(p.fds) }

// FDs returns the currently-owned fds without transferring ownership.
func (p *PortTransfers) FDs() []int {
	out := make([]int, len(p.fds))
	copy(out, p.fds)
	return out
}

// Release hands back the owned fds and disarms the scoped close: a
// subsequent Close becomes a no-op. Use this on the success path once the
// fds have been handed off (e.g. to a spawned subprocess).
func (p *PortTransfers) Release() []int {
	out := p.fds
	p.fds = nil
	p.released = true
	return out
}

// Close closes every still-owned fd. Idempotent: safe to call after Release
// (no-op) or more than once. Returns the first error encountered, if any,
// but continues attempting to close the remaining fds.
func (p *PortTransfers) Close() error {
	if p.released {
		return nil
	}
	var first error
	for _, fd := range p.fds {
		if fd < 0 {
			continue
		}
		if err := unix.Close(fd); err != nil && first == nil {
			first = NewKernelError("close", err)
		}
	}
	p.fds = nil
	return first
}
