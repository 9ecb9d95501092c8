//go:build linux || darwin

package kevsched

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}

func isEBADF(err error) bool {
	return errors.Is(err, unix.EBADF)
}

func isENOMEM(err error) bool {
	return errors.Is(err, unix.ENOMEM)
}
