package backtrace

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInit     = errors.New("symbol tables could not be initialised")
	ErrResolve  = errors.New("address could not be resolved to a symbol")
	ErrNoMemory = errors.New("out of memory")
)

// SystemError reports a failure of the platform's symbol facilities. Kind is
// ErrInit or ErrResolve and matches with errors.Is.
type SystemError struct {
	Kind error
	Op   string
	Addr uintptr
	// Code is the platform error code carried by Err, or 0.
	Code uintptr
	Err  error
}

func newSystemError(kind error, op string, addr uintptr, err error) *SystemError {
	return &SystemError{Kind: kind, Op: op, Addr: addr, Code: errorCode(err), Err: err}
}

func (e *SystemError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Addr != 0 {
		fmt.Fprintf(&b, " 0x%x", e.Addr)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	return b.String()
}

func (e *SystemError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
