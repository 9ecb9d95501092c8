//go:build linux || darwin

package kevsched

import (
	"testing"

	"golang.org/x/sys/unix"
)

func pipeFDs() (r int, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeIgnore(fd int) { _ = unix.Close(fd) }

func writeByte(t *testing.T, fd int) {
	t.Helper()
	if _, err := unix.Write(fd, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
}
