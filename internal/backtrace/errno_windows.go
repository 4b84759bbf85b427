//go:build windows

package backtrace

import (
	"errors"

	"golang.org/x/sys/windows"
)

func errorCode(err error) uintptr {
	var errno windows.Errno
	if errors.As(err, &errno) {
		return uintptr(errno)
	}
	return 0
}
