//go:build unix

package backtrace

import (
	"errors"

	"golang.org/x/sys/unix"
)

func errorCode(err error) uintptr {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return uintptr(errno)
	}
	return 0
}
